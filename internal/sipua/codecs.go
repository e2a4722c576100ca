package sipua

import (
	"sort"
	"strings"

	"github.com/icejuk/sipeksdk/internal/engine"
	"github.com/icejuk/sipeksdk/internal/media"
)

type codecPref struct {
	codec    media.Codec
	priority int
}

func defaultCodecs() []codecPref {
	return []codecPref{
		{codec: media.CodecPCMU, priority: 128},
		{codec: media.CodecPCMA, priority: 127},
	}
}

// Codecs lists the supported codecs by descending priority.
func (e *Engine) Codecs() []engine.CodecInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]engine.CodecInfo, 0, len(e.codecs))
	for _, p := range e.sortedCodecs() {
		out = append(out, engine.CodecInfo{Name: p.codec.ID(), Priority: p.priority})
	}
	return out
}

// SetCodecPriority changes the offer priority of a codec. The name may be
// "PCMU" or "PCMU/8000", in any case. Priority zero disables the codec.
func (e *Engine) SetCodecPriority(name string, priority int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.codecs {
		if strings.EqualFold(name, p.codec.ID()) || strings.EqualFold(name, p.codec.Name) {
			e.codecs[i].priority = priority
			e.logger.Info("codec priority changed", "codec", p.codec.ID(), "priority", priority)
			return nil
		}
	}
	return engine.Invalid("set_codec_priority", "unknown codec %q", name)
}

func (e *Engine) sortedCodecs() []codecPref {
	out := make([]codecPref, len(e.codecs))
	copy(out, e.codecs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority > out[j].priority })
	return out
}

// enabledCodecs returns the codecs to offer, best first.
func (e *Engine) enabledCodecs() []media.Codec {
	var out []media.Codec
	for _, p := range e.sortedCodecs() {
		if p.priority > 0 {
			out = append(out, p.codec)
		}
	}
	return out
}
