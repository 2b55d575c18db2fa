package sensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/caldera-project/caldera/internal/frame"
	"github.com/caldera-project/caldera/internal/logging"
	"github.com/caldera-project/caldera/internal/timeutil"
)

// pcapUDPPort is the synthetic destination port used to tag RawDepthFrame
// payloads inside recorded packets; it has no meaning on a real network,
// it only lets port-based filtering apply if the capture
// is ever inspected with external tooling (SPEC_FULL.md §4.6).
const pcapUDPPort = 47500

// PCAPSensorConfig configures a PCAPSensor.
type PCAPSensorConfig struct {
	SensorID string
	Path     string

	// Realtime replays using each packet's recorded capture timestamp,
	// scaled by SpeedMultiplier. When false, frames are paced at FPS
	// instead (SPEC_FULL.md §4.6).
	Realtime        bool
	SpeedMultiplier float64
	FPS             float64

	// Loop repeats the capture indefinitely instead of stopping at EOF.
	Loop bool

	Clock timeutil.Clock
}

// PCAPSensor replays RawDepthFrame payloads recorded in a .pcap capture
// (grounded on the teacher's internal/lidar/network/pcap_realtime.go replay
// loop, adapted from cgo libpcap to the pure-Go gopacket/pcapgo reader so no
// native libpcap dependency is required).
type PCAPSensor struct {
	cfg   PCAPSensorConfig
	clock timeutil.Clock
	log   logging.Logger

	mu      sync.Mutex
	cb      FrameCallback
	running int32
	done    chan struct{}
	stopCh  chan struct{}

	replayed uint64
	dropped  uint64
}

// NewPCAPSensor builds a PCAPSensor reading from cfg.Path.
func NewPCAPSensor(cfg PCAPSensorConfig) *PCAPSensor {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PCAPSensor{cfg: cfg, clock: cfg.Clock, log: logging.Named("sensor.pcap")}
}

func (s *PCAPSensor) SetFrameCallback(cb FrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Replayed returns the number of frames successfully decoded and delivered.
func (s *PCAPSensor) Replayed() uint64 { return atomic.LoadUint64(&s.replayed) }

// Dropped returns the number of packets that could not be decoded into a
// RawDepthFrame (non-UDP packets, truncated payloads).
func (s *PCAPSensor) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Open starts the replay loop goroutine.
func (s *PCAPSensor) Open() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("sensor.pcap: already open")
	}
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("sensor.pcap: open %s: %w", s.cfg.Path, err)
	}
	s.done = make(chan struct{})
	s.stopCh = make(chan struct{})
	go s.run(f)
	return nil
}

// Close stops the replay loop and joins the worker goroutine.
func (s *PCAPSensor) Close() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	close(s.stopCh)
	<-s.done
	return nil
}

func (s *PCAPSensor) run(f *os.File) {
	defer close(s.done)
	defer f.Close()

	for {
		if s.replayOnce(f) != nil || !s.cfg.Loop {
			return
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			s.log.Warnf("rewinding capture for loop: %v", err)
			return
		}
	}
}

// replayOnce reads and replays the capture file once. Returns a non-nil
// error only when the replay loop should stop entirely (stop requested or
// the file could not be read as a valid capture).
func (s *PCAPSensor) replayOnce(f *os.File) error {
	r, err := pcapgo.NewReader(f)
	if err != nil {
		s.log.Errorf("invalid pcap capture %s: %v", s.cfg.Path, err)
		return err
	}

	var lastCapture time.Time
	period := time.Duration(float64(time.Second) / s.cfg.FPS)

	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			s.log.Warnf("reading packet: %v", err)
			atomic.AddUint64(&s.dropped, 1)
			continue
		}

		if s.cfg.Realtime && !lastCapture.IsZero() {
			delay := ci.Timestamp.Sub(lastCapture)
			scaled := time.Duration(float64(delay) / s.cfg.SpeedMultiplier)
			if !s.wait(scaled) {
				return errStopped
			}
		} else if !s.cfg.Realtime {
			if !s.wait(period) {
				return errStopped
			}
		}
		lastCapture = ci.Timestamp

		payload, ok := udpPayload(data)
		if !ok {
			atomic.AddUint64(&s.dropped, 1)
			continue
		}
		f, ok := decodeFramePayload(s.cfg.SensorID, payload)
		if !ok {
			atomic.AddUint64(&s.dropped, 1)
			continue
		}

		atomic.AddUint64(&s.replayed, 1)
		s.mu.Lock()
		cb := s.cb
		s.mu.Unlock()
		if cb != nil {
			cb(f)
		}

		select {
		case <-s.stopCh:
			return errStopped
		default:
		}
	}
}

var errStopped = fmt.Errorf("sensor.pcap: stop requested")

// wait blocks for d or until stop is requested, returning false in the
// latter case.
func (s *PCAPSensor) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := s.clock.NewTimer(d)
	select {
	case <-timer.C():
		return true
	case <-s.stopCh:
		timer.Stop()
		return false
	}
}

// udpPayload decodes data as an Ethernet/IPv4/UDP (or raw IPv4/UDP) packet
// and returns the UDP payload, mirroring the teacher's UDP-layer extraction
// in internal/lidar/network/pcap.go.
func udpPayload(data []byte) ([]byte, bool) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		packet = gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.NoCopy)
		udpLayer = packet.Layer(layers.LayerTypeUDP)
	}
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}

// decodeFramePayload parses the §4.5 wire framing (magic, width, height,
// timestamp_ns, u16 samples) out of a UDP payload.
func decodeFramePayload(sensorID string, payload []byte) (*frame.RawDepthFrame, bool) {
	if len(payload) < frameHeaderLen {
		return nil, false
	}
	if binary.LittleEndian.Uint32(payload[0:4]) != serialFrameMagic {
		return nil, false
	}
	width := binary.LittleEndian.Uint32(payload[4:8])
	height := binary.LittleEndian.Uint32(payload[8:12])
	ts := binary.LittleEndian.Uint64(payload[12:20])
	n := int(width) * int(height)
	if width == 0 || height == 0 || n > maxFramePixels {
		return nil, false
	}
	want := frameHeaderLen + n*2
	if len(payload) < want {
		return nil, false
	}
	data := make([]uint16, n)
	for i := range data {
		off := frameHeaderLen + i*2
		data[i] = binary.LittleEndian.Uint16(payload[off : off+2])
	}
	return &frame.RawDepthFrame{
		SensorID:    sensorID,
		TimestampNs: ts,
		Width:       width,
		Height:      height,
		Data:        data,
	}, true
}

// encodeFramePayload is the writer-side counterpart of decodeFramePayload,
// used by WriteCapture to produce the UDP payload for a recorded frame.
func encodeFramePayload(f *frame.RawDepthFrame) []byte {
	buf := make([]byte, frameHeaderLen+len(f.Data)*2)
	binary.LittleEndian.PutUint32(buf[0:4], serialFrameMagic)
	binary.LittleEndian.PutUint32(buf[4:8], f.Width)
	binary.LittleEndian.PutUint32(buf[8:12], f.Height)
	binary.LittleEndian.PutUint64(buf[12:20], f.TimestampNs)
	for i, v := range f.Data {
		off := frameHeaderLen + i*2
		binary.LittleEndian.PutUint16(buf[off:off+2], v)
	}
	return buf
}

// WriteCapture records a sequence of RawDepthFrames to a .pcap file at path,
// one UDP datagram per frame, spaced interval apart in the recorded
// timestamps (used by replay in Realtime mode). This is the capture half of
// "PCAP capture/replay sensor" (SPEC_FULL.md §4.6); it is not itself a
// Sensor — it is the tool that produces fixtures a PCAPSensor later reads.
func WriteCapture(path string, frames []*frame.RawDepthFrame, interval time.Duration) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sensor.pcap: create %s: %w", path, err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("sensor.pcap: write header: %w", err)
	}

	base := time.Unix(0, 0)
	srcMAC := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	srcIP := []byte{10, 0, 0, 1}
	dstIP := []byte{10, 0, 0, 2}

	for i, fr := range frames {
		payload := encodeFramePayload(fr)

		eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
		udp := &layers.UDP{SrcPort: layers.UDPPort(rand.Intn(10000) + 40000), DstPort: pcapUDPPort}
		_ = udp.SetNetworkLayerForChecksum(ip)

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		if err := gopacket.SerializeLayers(sb, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
			return fmt.Errorf("sensor.pcap: serialize frame %d: %w", i, err)
		}

		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(time.Duration(i) * interval),
			CaptureLength: len(sb.Bytes()),
			Length:        len(sb.Bytes()),
		}
		if err := w.WritePacket(ci, sb.Bytes()); err != nil {
			return fmt.Errorf("sensor.pcap: write frame %d: %w", i, err)
		}
	}
	return nil
}
