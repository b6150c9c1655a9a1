package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yeka/zip"
)

// Encryption selects the zip encryption scheme.
type Encryption int

const (
	// EncryptionStandard is traditional PKWARE (ZipCrypto) encryption.
	EncryptionStandard Encryption = iota

	// EncryptionAES256 is WinZip AES with a 256-bit key.
	EncryptionAES256
)

func (e Encryption) String() string {
	if e == EncryptionAES256 {
		return "aes256"
	}
	return "standard"
}

func (e Encryption) method() zip.EncryptionMethod {
	if e == EncryptionAES256 {
		return zip.AES256Encryption
	}
	return zip.StandardEncryption
}

// writeArchive packs files (stored under their base names) into an
// encrypted zip at dest. The archive is built in a temp file next to dest,
// synced and renamed, so dest is either the old or the complete new archive.
func writeArchive(dest, password string, enc Encryption, files ...string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create archive %s: %w", dest, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, file := range files {
		w, err := zw.Encrypt(filepath.Base(file), password, enc.method())
		if err != nil {
			return fmt.Errorf("add %s to %s: %w", filepath.Base(file), dest, err)
		}
		if err := copyFile(w, file); err != nil {
			return fmt.Errorf("add %s to %s: %w", filepath.Base(file), dest, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive %s: %w", dest, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("rename archive %s: %w", dest, err)
	}
	tmpName = ""
	return nil
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
