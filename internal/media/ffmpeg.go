package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"voice-intake-go/internal/gate"
)

// FFmpeg implements Transcoder with the ffmpeg/ffprobe binaries. Every
// process is admitted through a bounded gate so transcoding never starves
// concurrent network work of CPU.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	pool    *gate.Gate
}

// NewFFmpeg creates a transcoder running at most workers processes at once.
func NewFFmpeg(ffmpegPath, ffprobePath string, workers int) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		pool:    gate.New("transcoder", workers),
	}
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Channels   int    `json:"channels"`
		SampleRate string `json:"sample_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe inspects streams and duration.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Probe, error) {
	out, err := f.run(ctx, f.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration,bit_rate:stream=codec_type,channels,sample_rate",
		"-of", "json",
		path,
	)
	if err != nil {
		return Probe{}, err
	}
	return parseProbe(out)
}

func parseProbe(raw []byte) (Probe, error) {
	var po probeOutput
	if err := json.Unmarshal(raw, &po); err != nil {
		return Probe{}, fmt.Errorf("ffprobe: decode: %w", err)
	}
	var p Probe
	for _, s := range po.Streams {
		switch s.CodecType {
		case "audio":
			if !p.HasAudio {
				p.HasAudio = true
				p.Channels = s.Channels
				p.SampleRate, _ = strconv.Atoi(s.SampleRate)
			}
		case "video":
			p.HasVideo = true
		}
	}
	if po.Format.Duration != "" && po.Format.Duration != "N/A" {
		secs, err := strconv.ParseFloat(po.Format.Duration, 64)
		if err != nil {
			return Probe{}, fmt.Errorf("ffprobe: duration %q: %w", po.Format.Duration, err)
		}
		p.Duration = time.Duration(secs * float64(time.Second))
	}
	p.BitrateBps, _ = strconv.Atoi(po.Format.BitRate)
	return p, nil
}

// Encode transcodes in to out in the given format, dropping any video.
func (f *FFmpeg) Encode(ctx context.Context, in, out string, fm Format) error {
	args := []string{"-y", "-v", "error", "-i", in}
	args = append(args, fm.args()...)
	args = append(args, out)
	_, err := f.run(ctx, f.ffmpeg, args...)
	return err
}

// Cut encodes the [start, start+dur) window of in to out.
func (f *FFmpeg) Cut(ctx context.Context, in, out string, start, dur time.Duration, fm Format) error {
	args := []string{
		"-y", "-v", "error",
		"-ss", seconds(start),
		"-i", in,
		"-t", seconds(dur),
	}
	args = append(args, fm.args()...)
	args = append(args, out)
	_, err := f.run(ctx, f.ffmpeg, args...)
	return err
}

func (fm Format) args() []string {
	return []string{
		"-vn",
		"-ac", strconv.Itoa(fm.Channels),
		"-ar", strconv.Itoa(fm.SampleRate),
		"-c:a", fm.Codec,
		"-b:a", fmt.Sprintf("%dk", fm.BitrateKbps),
	}
}

func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var out []byte
	err := f.pool.Do(ctx, func() error {
		cmd := exec.CommandContext(ctx, bin, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if len(msg) > 512 {
				msg = msg[len(msg)-512:]
			}
			return fmt.Errorf("%s: %w: %s", bin, err, msg)
		}
		out = stdout.Bytes()
		return nil
	})
	return out, err
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
