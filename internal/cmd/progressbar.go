package cmd

import (
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/3leaps/genimpute/pkg/scheduler"
)

// progressBar renders finished regions out of all regions while jobs run.
type progressBar struct {
	pbs  *mpb.Progress
	bar  *mpb.Bar
	done chan struct{}
	quit chan struct{}
}

// startProgressBar polls snapshot every interval until Stop is called.
func startProgressBar(w io.Writer, snapshot func() []scheduler.RegionState, interval time.Duration) *progressBar {
	pbs := mpb.New(mpb.WithWidth(40), mpb.WithOutput(w))
	bar := pbs.AddBar(0,
		mpb.PrependDecorators(
			decor.Name("regions: ", decor.WC{W: len("regions: "), C: decor.DindentRight}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Elapsed(decor.ET_STYLE_GO),
			decor.OnComplete(decor.Name(""), ". done"),
		),
	)
	pb := &progressBar{pbs: pbs, bar: bar, done: make(chan struct{}), quit: make(chan struct{})}

	go func() {
		defer close(pb.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			pb.update(snapshot())
			select {
			case <-pb.quit:
				pb.update(snapshot())
				return
			case <-ticker.C:
			}
		}
	}()
	return pb
}

func (pb *progressBar) update(states []scheduler.RegionState) {
	if len(states) == 0 {
		return
	}
	c := scheduler.CountStates(states)
	pb.bar.SetTotal(int64(c.Total()), false)
	pb.bar.SetCurrent(int64(c.Succeeded + c.Failed))
}

// Stop completes the bar and waits for the final render.
func (pb *progressBar) Stop() {
	close(pb.quit)
	<-pb.done
	pb.bar.SetTotal(-1, true)
	pb.pbs.Wait()
}
