package media

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Player loops a WAV file as a stream of PCM frames. Supported files are
// 8 kHz mono in 16-bit PCM, u-law or a-law.
type Player struct {
	path string
	pcm  []byte

	mu  sync.Mutex
	pos int
}

// OpenPlayer loads and decodes path.
func OpenPlayer(path string) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wav file: %w", err)
	}
	defer f.Close()

	format, data, err := readWAV(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	pcm, err := toPCM(format, data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("parsing %s: no audio data", path)
	}
	return &Player{path: path, pcm: pcm}, nil
}

// Path returns the file being played.
func (p *Player) Path() string { return p.path }

// Duration returns the length of one pass over the file.
func (p *Player) Duration() time.Duration {
	return time.Duration(len(p.pcm)/2) * time.Second / ClockRate
}

// NextFrame returns the next 20 ms frame, wrapping to the start of the file
// at the end.
func (p *Player) NextFrame() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame := make([]byte, FrameBytes)
	for n := 0; n < FrameBytes; {
		c := copy(frame[n:], p.pcm[p.pos:])
		n += c
		p.pos += c
		if p.pos >= len(p.pcm) {
			p.pos = 0
		}
	}
	return frame
}

// Run emits a frame every 20 ms until ctx is done.
func (p *Player) Run(ctx context.Context, emit func(pcm []byte)) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit(p.NextFrame())
		}
	}
}
