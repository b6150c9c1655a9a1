package provider

import "context"

// DelimiterLister supports directory-style listing.
//
// A delimiter listing returns the objects directly under Prefix and the
// immediate child prefixes (CommonPrefixes). Region discovery relies on it to
// enumerate the per-region output directories without walking every shard.
type DelimiterLister interface {
	ListWithDelimiter(ctx context.Context, opts ListWithDelimiterOptions) (*ListWithDelimiterResult, error)
}

// ListWithDelimiterOptions configures a delimiter listing operation.
type ListWithDelimiterOptions struct {
	Prefix            string
	Delimiter         string
	ContinuationToken string
	MaxKeys           int
}

// ListWithDelimiterResult contains a page of results from a delimiter listing.
type ListWithDelimiterResult struct {
	// Objects are object summaries directly under the requested Prefix.
	Objects []ObjectSummary

	// CommonPrefixes are the immediate child prefixes, each ending with the delimiter.
	CommonPrefixes []string

	ContinuationToken string
	IsTruncated       bool
}
