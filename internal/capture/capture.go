package capture

// Offline capture of Modbus traffic. Frames seen by the slave or the gateway
// are wrapped in synthetic Ethernet/IPv4/TCP headers and written to a pcap
// file, so a session opens in Wireshark with the Modbus/TCP dissector.

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Endpoint is one side of a recorded flow.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprint(e.Port))
}

// Synthetic endpoints used when a side has no IPv4 address of its own, such
// as a serial line.
var (
	SerialEndpoint = Endpoint{IP: net.IPv4(192, 168, 100, 10).To4(), Port: 50000}
	SlaveEndpoint  = Endpoint{IP: net.IPv4(192, 168, 100, 20).To4(), Port: 502}
)

// EndpointOf converts a network address, falling back when it is not an IPv4
// TCP or UDP address.
func EndpointOf(a net.Addr, fallback Endpoint) Endpoint {
	var (
		ip   net.IP
		port int
	)
	switch v := a.(type) {
	case *net.TCPAddr:
		ip, port = v.IP, v.Port
	case *net.UDPAddr:
		ip, port = v.IP, v.Port
	default:
		return fallback
	}
	if ip4 := ip.To4(); ip4 != nil {
		return Endpoint{IP: ip4, Port: uint16(port)}
	}
	return fallback
}

type flowKey struct {
	client, server string
}

type flowState struct {
	clientSeq uint32
	serverSeq uint32
}

// Recorder appends frames to a pcap stream. It is safe for concurrent use
// and a nil *Recorder records nothing.
type Recorder struct {
	mu      sync.Mutex
	closer  io.Closer
	writer  *pcapgo.Writer
	flows   map[flowKey]*flowState
	packets int
	now     func() time.Time
}

// Create opens path and writes the pcap file header.
func Create(path string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	r, err := NewRecorder(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewRecorder writes a pcap header to w and returns a recorder on it.
func NewRecorder(w io.Writer) (*Recorder, error) {
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{
		writer: writer,
		flows:  make(map[flowKey]*flowState),
		now:    time.Now,
	}, nil
}

// Request records a client-to-slave frame.
func (r *Recorder) Request(client, server Endpoint, frame []byte) error {
	return r.record(client, server, frame, false)
}

// Response records a slave-to-client frame.
func (r *Recorder) Response(client, server Endpoint, frame []byte) error {
	return r.record(client, server, frame, true)
}

// Packets returns the number of frames written.
func (r *Recorder) Packets() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Close closes the underlying file, if the recorder opened one.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

func (r *Recorder) record(client, server Endpoint, frame []byte, response bool) error {
	if r == nil || len(frame) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := flowKey{client.String(), server.String()}
	flow, ok := r.flows[key]
	if !ok {
		flow = &flowState{clientSeq: 1, serverSeq: 1}
		r.flows[key] = flow
	}

	src, dst := client, server
	seq, ack := flow.clientSeq, flow.serverSeq
	if response {
		src, dst = server, client
		seq, ack = flow.serverSeq, flow.clientSeq
	}

	ethernet := &layers.Ethernet{
		SrcMAC:       macFor(src),
		DstMAC:       macFor(dst),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.IP,
		DstIP:    dst.IP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port),
		DstPort: layers.TCPPort(dst.Port),
		ACK:     true,
		PSH:     true,
		Seq:     seq,
		Ack:     ack,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return fmt.Errorf("tcp checksum layer: %w", err)
	}

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buffer, opts, ethernet, ip, tcp, gopacket.Payload(frame)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}
	data := buffer.Bytes()
	if err := r.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     r.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}

	if response {
		flow.serverSeq += uint32(len(frame))
	} else {
		flow.clientSeq += uint32(len(frame))
	}
	r.packets++
	return nil
}

// macFor derives a locally administered MAC from the endpoint IP.
func macFor(e Endpoint) net.HardwareAddr {
	ip := e.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	return net.HardwareAddr{0x02, 0x00, ip[0], ip[1], ip[2], ip[3]}
}
