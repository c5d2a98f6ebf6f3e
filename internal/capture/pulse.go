package capture

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// PulseSource records from a PulseAudio/PipeWire source.
type PulseSource struct {
	// Device is a source name or description fragment; empty means the default source.
	Device    string
	AppName   string
	MediaName string
}

func (s PulseSource) Open(_ context.Context, req Request, sink func(pcm []byte)) (Stream, error) {
	appName := strings.TrimSpace(s.AppName)
	if appName == "" {
		appName = "bankvoice"
	}
	mediaName := strings.TrimSpace(s.MediaName)
	if mediaName == "" {
		mediaName = "voice session microphone"
	}

	client, err := pulse.NewClient(
		pulse.ClientApplicationName(appName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, &Error{Kind: KindDeviceError, Op: "connect", Err: fmt.Errorf("connect pulse server: %w", err)}
	}

	var source *pulse.Source
	if device := strings.TrimSpace(s.Device); device == "" || device == "default" {
		source, err = client.DefaultSource()
	} else {
		source, err = client.SourceByID(device)
	}
	if err != nil {
		client.Close()
		return nil, &Error{Kind: KindDeviceNotFound, Op: "resolve", Err: fmt.Errorf("resolve source %q: %w", s.Device, err)}
	}

	ps := &pulseStream{client: client, sink: sink}
	writer := pulse.NewWriter(writerFunc(ps.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(req.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(req.FrameSize*2)),
		pulse.RecordMediaName(mediaName),
		pulse.RecordRawOption(func(r *pulseproto.CreateRecordStream) {
			if r.Properties == nil {
				r.Properties = pulseproto.PropList{}
			}
			r.Properties["media.role"] = pulseproto.PropListString("phone")
			if filter := requestedFilter(req); filter != "" {
				r.Properties["filter.want"] = pulseproto.PropListString(filter)
			}
		}),
	)
	if err != nil {
		client.Close()
		return nil, classify("record", fmt.Errorf("create pulse record stream: %w", err))
	}

	ps.stream = stream
	stream.Start()
	return ps, nil
}

// requestedFilter maps processing requests onto a PulseAudio filter module.
// module-echo-cancel (webrtc) also applies noise suppression and AGC.
func requestedFilter(req Request) string {
	if req.EchoCancellation || req.NoiseSuppression || req.AutoGainControl {
		return "echo-cancel"
	}
	return ""
}

type pulseStream struct {
	client *pulse.Client
	stream *pulse.RecordStream
	sink   func([]byte)

	mu      sync.Mutex
	stopped bool
}

func (p *pulseStream) onPCM(buffer []byte) (int, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return 0, io.EOF
	}
	if len(buffer) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(buffer))
	copy(chunk, buffer)
	p.sink(chunk)
	return len(buffer), nil
}

func (p *pulseStream) Close() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	if p.stream != nil {
		p.stream.Stop()
		p.stream.Close()
	}
	p.client.Close()
	return nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
