package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/ariafm/aria/internal/library"
	"github.com/ariafm/aria/internal/pcm"
	"github.com/ariafm/aria/internal/playback"
	"github.com/ariafm/aria/internal/storage"
	"github.com/ariafm/aria/internal/syncbucket"
)

var (
	errPlayArgsRequired = errors.New("usage: play <track-id>")
	errTrackHasNoFile   = errors.New("track has no stored audio file")
	errPlaybackFailed   = errors.New("playback failed")
)

func newPlayCommand(sigCh <-chan os.Signal) *Command {
	flags := flag.NewFlagSet("play", flag.ContinueOnError)

	return &Command{
		Flags: flags,
		Usage: "play <track-id>",
		Short: "Play a track from the library",
		Long:  "Streams the track's encrypted blob from the bucket, decodes it, and plays it on the system audio device until it ends or the process is interrupted.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			return execPlay(ctx, o, args, sigCh)
		},
	}
}

func execPlay(ctx context.Context, o *IO, args []string, sigCh <-chan os.Signal) error {
	if len(args) != 1 {
		return errPlayArgsRequired
	}

	cfg, err := loadConfigFromContext(ctx)
	if err != nil {
		return err
	}

	cc := fromContext(ctx)

	a, err := openApp(ctx, cc.workDir, cfg, nil)
	if err != nil {
		return err
	}

	defer a.Close()

	engine := playback.New(ctx, trackLoader(a), nil, nil)
	events, unsubscribe := engine.Subscribe(64)

	defer unsubscribe()

	engine.Play(args[0:1], 0)

	return watchPlayback(o, engine, events, sigCh)
}

// trackLoader resolves a track id to a decoded PCM source: release_files
// row -> encrypted blob in the bucket -> buffered whole-blob reader -> WAV
// decoder.
func trackLoader(a *app) playback.Loader {
	return func(ctx context.Context, trackID string) (*pcm.Source, error) {
		file, ok, err := a.writer.ReleaseFileForTrack(ctx, trackID)
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, fmt.Errorf("%w: %s", errTrackHasNoFile, trackID)
		}

		blobID, err := library.ParseBlobID(fmt.Sprint(file["blob_id"]))
		if err != nil {
			return nil, err
		}

		size, _ := file["size_bytes"].(int64)
		if size <= 0 {
			return nil, fmt.Errorf("%w: %s has no recorded size", errTrackHasNoFile, trackID)
		}

		cloud := storage.NewCloud(a.store, syncbucket.BlobKey(blobID), size, &a.key)

		// One fetch decrypts the whole envelope and fills the buffer; the
		// decoder's header walks and seeks then never touch the bucket
		// again.
		reader := storage.NewBuffered(cloud, size)

		dec, err := pcm.OpenWAV(ctx, reader)
		if err != nil {
			return nil, err
		}

		return pcm.NewSource(ctx, dec), nil
	}
}

// watchPlayback prints progress until the engine returns to Stopped (track
// finished or failed) or the process is interrupted.
func watchPlayback(o *IO, engine *playback.Engine, events <-chan playback.Event, sigCh <-chan os.Signal) error {
	started := false

	for {
		select {
		case <-sigCh:
			engine.Stop()
			o.Println("stopped")

			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}

			switch e := ev.(type) {
			case playback.StateChanged:
				o.Println("state:", e.State.String())

				if e.State == playback.StatePlaying {
					started = true
				}

				if e.State == playback.StateStopped && started {
					return nil
				}
			case playback.PositionUpdate:
				o.Printf("\r%s", formatPosition(e.Position))
			case playback.TrackCompleted:
				o.Printf("\ndone: %d samples decoded, %d decode errors\n", e.SamplesDecoded, e.DecodeErrors)
			case playback.PlaybackError:
				return fmt.Errorf("%w: %s", errPlaybackFailed, e.Message)
			}
		}
	}
}

func formatPosition(d time.Duration) string {
	total := int(d / time.Second)

	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
