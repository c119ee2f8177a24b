package capture

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func TestRecorderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	r, err := NewRecorder(&buf)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	client := Endpoint{IP: net.IPv4(10, 0, 0, 5).To4(), Port: 40000}
	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x64, 0x00, 0x02}
	resp := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x42, 0x48, 0x00, 0x00}

	if err := r.Request(client, SlaveEndpoint, req); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := r.Response(client, SlaveEndpoint, resp); err != nil {
		t.Fatalf("Response: %v", err)
	}
	if r.Packets() != 2 {
		t.Fatalf("Packets = %d, want 2", r.Packets())
	}

	reader, err := pcapgo.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if reader.LinkType() != layers.LinkTypeEthernet {
		t.Errorf("link type = %v, want Ethernet", reader.LinkType())
	}

	var tcps []*layers.TCP
	for i := 0; i < 2; i++ {
		data, _, err := reader.ReadPacketData()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			t.Fatalf("packet %d has no TCP layer", i)
		}
		tcps = append(tcps, tcp)
	}

	if tcps[0].DstPort != 502 || tcps[0].SrcPort != 40000 {
		t.Errorf("request ports = %d -> %d", tcps[0].SrcPort, tcps[0].DstPort)
	}
	if !bytes.Equal(tcps[0].Payload, req) {
		t.Errorf("request payload = % x", tcps[0].Payload)
	}
	if tcps[1].SrcPort != 502 || !bytes.Equal(tcps[1].Payload, resp) {
		t.Errorf("response = %d, % x", tcps[1].SrcPort, tcps[1].Payload)
	}
	// the response acknowledges the request bytes
	if tcps[1].Ack != tcps[0].Seq+uint32(len(req)) {
		t.Errorf("response ack = %d, want %d", tcps[1].Ack, tcps[0].Seq+uint32(len(req)))
	}
}

func TestCreateAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modbus.pcap")
	r, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Request(SerialEndpoint, SlaveEndpoint, []byte{0, 1, 0, 0, 0, 2, 1, 7}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() <= 24 {
		t.Errorf("pcap size = %d, want header plus a packet", info.Size())
	}
}

func TestEndpointOf(t *testing.T) {
	got := EndpointOf(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1502}, SlaveEndpoint)
	if !got.IP.Equal(net.IPv4(127, 0, 0, 1)) || got.Port != 1502 {
		t.Errorf("EndpointOf(tcp) = %v", got)
	}
	if got := EndpointOf(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 1}, SlaveEndpoint); got.Port != 502 {
		t.Errorf("IPv6 should fall back, got %v", got)
	}
	if got := EndpointOf(nil, SerialEndpoint); got.Port != SerialEndpoint.Port {
		t.Errorf("nil addr should fall back, got %v", got)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	if err := r.Request(SerialEndpoint, SlaveEndpoint, []byte{1}); err != nil {
		t.Errorf("nil Request: %v", err)
	}
	if r.Packets() != 0 || r.Close() != nil {
		t.Error("nil recorder should be inert")
	}
}
