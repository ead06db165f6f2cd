package tts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/audio"
	"github.com/Shivxnshjasathi/geminimind/internal/observability"
)

// Player narrates one utterance at a time into a Sink. It satisfies the voice
// bridge's Synthesizer contract: a new Speak cancels the current one, and every
// Speak calls its done callback exactly once.
type Player struct {
	client     TTSClient
	sink       Sink
	frameBytes int
	bufferSize int
	metrics    *observability.Metrics
	logger     zerolog.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	output sync.Mutex // serialises sink writes between utterances

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// PlayerConfig sizes the playback frames
type PlayerConfig struct {
	FrameBytes int // bytes per frame handed to the sink
	BufferSize int // ring buffer capacity, larger than FrameBytes
}

// NewPlayer creates a player. metrics may be nil.
func NewPlayer(client TTSClient, sink Sink, cfg PlayerConfig, metrics *observability.Metrics, logger zerolog.Logger) *Player {
	ctx, stop := context.WithCancel(context.Background())
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 3200
	}
	if cfg.BufferSize <= cfg.FrameBytes {
		cfg.BufferSize = cfg.FrameBytes * 4
	}
	return &Player{
		client:     client,
		sink:       sink,
		frameBytes: cfg.FrameBytes,
		bufferSize: cfg.BufferSize,
		metrics:    metrics,
		logger:     logger.With().Str("component", "tts_player").Logger(),
		ctx:        ctx,
		stop:       stop,
	}
}

// Speak starts narrating text in the background, cancelling whatever is playing
func (p *Player) Speak(text string, done func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if done != nil {
			done()
		}
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			if done != nil {
				done()
			}
		}()
		defer cancel()
		p.play(ctx, text)
	}()
}

// Cancel stops the current utterance
func (p *Player) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Close cancels playback and waits for in-flight utterances to finish. Speak
// after Close completes immediately without playing.
func (p *Player) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.stop()
	p.wg.Wait()
}

func (p *Player) play(ctx context.Context, text string) {
	started := time.Now()
	pcm, err := p.client.Synthesize(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Msg("Speech synthesis failed")
		p.record(started, false)
		return
	}

	p.output.Lock()
	defer p.output.Unlock()

	sent, err := p.stream(ctx, pcm)
	if sent > 0 && p.metrics != nil {
		p.metrics.RecordAudioBytes("out", int64(sent))
	}
	switch {
	case errors.Is(err, context.Canceled):
		p.logger.Debug().Int("bytes_sent", sent).Msg("Speech playback cancelled")
	case err != nil:
		p.logger.Warn().Err(err).Msg("Speech playback failed")
		p.record(started, false)
	default:
		p.record(started, true)
	}
}

// stream frames pcm through a ring buffer and writes each frame to the sink.
// The last frame may be short.
func (p *Player) stream(ctx context.Context, pcm []byte) (int, error) {
	ring := audio.NewRingBuffer(p.bufferSize)
	frame := make([]byte, p.frameBytes)
	sent, offset := 0, 0

	for offset < len(pcm) || !ring.IsEmpty() {
		if offset < len(pcm) {
			offset += ring.Write(pcm[offset:])
		}
		drained := offset >= len(pcm)
		for ring.Available() >= p.frameBytes || (drained && !ring.IsEmpty()) {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			n := ring.Read(frame)
			if err := p.sink(frame[:n]); err != nil {
				return sent, err
			}
			sent += n
		}
	}
	return sent, nil
}

func (p *Player) record(started time.Time, success bool) {
	if p.metrics != nil {
		p.metrics.RecordTTS(started, success)
	}
}
