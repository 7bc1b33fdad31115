package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/rustyguts/mediaplane/audiojitter"
	"github.com/rustyguts/mediaplane/codec"
	"github.com/rustyguts/mediaplane/wire"
)

const (
	sampleRate  = 48000
	channels    = 1
	frameSize   = 960 // 20ms @ 48kHz, matches client/audio.go's FrameSize
	tickMs      = audiojitter.TickMs
	playoutSize = sampleRate / (1000 / tickMs)
)

// pcmDecoderAdapter bridges codec.OpusDecoder's little-endian int16 PCM
// byte output into the audiojitter.Decoder interface, which the jitter
// buffer expects to hand back normalized float32 samples.
type pcmDecoderAdapter struct {
	dec *codec.OpusDecoder
}

func (a *pcmDecoderAdapter) Decode(payload []byte) ([]float32, error) {
	pcmBytes, err := a.dec.Decode(payload)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(pcmBytes)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out, nil
}

// audioPipeline captures one local device, encodes and sends frames through
// client, and plays back whatever client.runReceive hands it through the
// jitter buffer. It is the native, browser-free exerciser for the encoder,
// transport, and jitter buffer named in spec §1.
type audioPipeline struct {
	client *client
	enc    *codec.OpusEncoder
	jitter *audiojitter.Buffer
	ctrl   *codec.Controller

	captureStream  *portaudio.Stream
	playbackStream *portaudio.Stream
	captureBuf     []float32
	playbackBuf    []float32

	seq     atomic.Uint32
	ts      atomic.Uint32
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

func newAudioPipeline(c *client, inputDevice, outputDevice, bitrateBps int) (*audioPipeline, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}

	enc, err := codec.NewOpusEncoder(bitrateBps)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	dec, err := codec.NewOpusDecoder()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	jitter := audiojitter.New(audiojitter.Config{
		SampleRate: sampleRate,
		Channels:   channels,
	}, &pcmDecoderAdapter{dec: dec}, "[probe-audio]")

	ctrl := codec.NewController(enc, bitrateBps, "[probe-codec]")

	devices, err := portaudio.Devices()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("list devices: %w", err)
	}

	inDev, err := resolveProbeDevice(devices, inputDevice, portaudio.DefaultInputDevice)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("resolve input device: %w", err)
	}
	outDev, err := resolveProbeDevice(devices, outputDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("resolve output device: %w", err)
	}

	captureBuf := make([]float32, frameSize)
	captureStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inDev,
			Channels: channels,
			Latency:  inDev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}, captureBuf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open capture stream: %w", err)
	}

	playbackBuf := make([]float32, playoutSize)
	playbackStream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: channels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: playoutSize,
	}, playbackBuf)
	if err != nil {
		captureStream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("open playback stream: %w", err)
	}

	p := &audioPipeline{
		client:         c,
		enc:            enc,
		jitter:         jitter,
		ctrl:           ctrl,
		captureStream:  captureStream,
		playbackStream: playbackStream,
		captureBuf:     captureBuf,
		playbackBuf:    playbackBuf,
	}
	c.onAudio = p.onAudioPacket
	c.onHealth = p.onReceiverReport
	return p, nil
}

func resolveProbeDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

func (p *audioPipeline) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.captureStream.Start(); err != nil {
		p.running.Store(false)
		return fmt.Errorf("start capture: %w", err)
	}
	if err := p.playbackStream.Start(); err != nil {
		p.captureStream.Stop()
		p.running.Store(false)
		return fmt.Errorf("start playback: %w", err)
	}

	p.stopCh = make(chan struct{})
	p.wg.Add(2)
	go p.captureLoop()
	go p.playbackLoop()
	return nil
}

func (p *audioPipeline) Close() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	close(p.stopCh)
	p.captureStream.Stop()
	p.playbackStream.Stop()
	p.wg.Wait()
	p.captureStream.Close()
	p.playbackStream.Close()
	p.enc.Close()
	return portaudio.Terminate()
}

// captureLoop reads 20ms frames, encodes them with Opus, and sends them as
// Audio MediaPackets through client.send, which writes each one on its own
// unidirectional stream.
func (p *audioPipeline) captureLoop() {
	defer p.wg.Done()
	pcmBytes := make([]byte, frameSize*2)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if err := p.captureStream.Read(); err != nil {
			log.Printf("[probe] capture read: %v", err)
			continue
		}
		for i, s := range p.captureBuf {
			v := int16(s * 32767)
			binary.LittleEndian.PutUint16(pcmBytes[i*2:], uint16(v))
		}

		frames, err := p.enc.Encode(pcmBytes)
		if err != nil {
			log.Printf("[probe] encode: %v", err)
			continue
		}
		seq := p.seq.Add(1)
		ts := p.ts.Add(frameSize)
		for _, f := range frames {
			p.ctrl.NoteFrame(f)
			mp := &wire.MediaPacket{
				MediaType: wire.MediaAudio,
				Email:     p.client.email,
				Data:      f.Data,
				FrameType: wire.FrameKey,
				Timestamp: float64(time.Now().UnixMilli()),
				Duration:  20,
				Audio: &wire.AudioMetadata{
					Sequence:   uint64(seq),
					SampleRate: sampleRate,
					Channels:   channels,
					Frames:     frameSize,
				},
			}
			pw := &wire.PacketWrapper{PacketType: wire.PacketMedia, Email: p.client.email, Data: mp.Marshal()}
			if err := p.client.send(pw.Marshal()); err != nil {
				log.Printf("[probe] send audio: %v", err)
			}
			_ = ts
		}
	}
}

// onReceiverReport feeds an inbound RTCP ReceiverReport into the bitrate
// controller, called from client.runReceive. This is the only place in the
// repo that drives Controller from a live feedback loop end to end.
func (p *audioPipeline) onReceiverReport(rr *rtcp.ReceiverReport) {
	p.ctrl.OnReceiverReport(rr)
}

// onAudioPacket feeds an inbound Audio MediaPacket into the jitter buffer,
// called from client.runReceive.
func (p *audioPipeline) onAudioPacket(mp *wire.MediaPacket) {
	var seq uint64
	if mp.Audio != nil {
		seq = mp.Audio.Sequence
	}
	pkt := &audiojitter.Packet{
		Header: rtp.Header{
			SequenceNumber: uint16(seq),
			Timestamp:      uint32(seq) * frameSize,
		},
		Payload:     mp.Data,
		ArrivalTime: time.Now(),
		SampleRate:  sampleRate,
		Channels:    channels,
		DurationMs:  20,
	}
	p.jitter.Push(pkt, float64(time.Now().UnixMilli()))
}

// playbackLoop ticks the jitter buffer once per TickMs and writes the
// resulting PCM to the output device whenever a full playoutSize buffer is
// ready; playoutSize is one 10ms tick of samples, so each tick's frame is
// written as soon as it is produced.
func (p *audioPipeline) playbackLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(tickMs * time.Millisecond)
	defer ticker.Stop()

	var acc []float32
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			frame, _ := p.jitter.Tick()
			acc = append(acc, frame...)
			if len(acc) < len(p.playbackBuf) {
				continue
			}
			copy(p.playbackBuf, acc[:len(p.playbackBuf)])
			acc = acc[len(p.playbackBuf):]
			if err := p.playbackStream.Write(); err != nil {
				log.Printf("[probe] playback write: %v", err)
			}
		}
	}
}
