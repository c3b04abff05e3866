// Package sensor holds the per-detector capability sets the frame
// assembler needs to interpret packets. Spec.md's design notes call for
// replacing a decoder class hierarchy with "a small capability set...
// implemented per sensor kind as a tagged variant" — that variant is this
// package's Profile, selected by name at startup, with no compile-time
// subclassing and no self-registering plugin macro.
package sensor

import "fmt"

// PixelKind names the on-disk pixel representation a sensor produces.
type PixelKind int

const (
	Raw8Bit PixelKind = iota
	Raw16Bit
	Float32AsU32
)

// Profile is the full set of facts the frame assembler and chunked writer
// need about one sensor kind.
type Profile struct {
	Name string

	// Packet geometry.
	NumPrimaryPackets int // packets of PrimaryPacketSize per (type, subframe)
	PrimaryPacketSize int // bytes
	TailPacketSize    int // bytes, for the one trailing short packet
	NumTypes          int // e.g. reset + sample = 2
	NumSubframes      int

	// Frame geometry, for default dataset dimensions.
	FrameHeight int
	FrameWidth  int
	Pixel       PixelKind

	// SubframeWidth is the pixel span of one horizontal subframe along
	// the frame's width axis. FrameWidth must be an exact multiple of
	// it. container.Writer.WriteSubframes reports subframe i's starting
	// column as i*SubframeWidth in its error messages; byte placement
	// does not depend on it.
	SubframeWidth int
}

// NumFramePackets is the packet count of one (type, subframe) slot:
// NumPrimaryPackets primary packets plus one tail packet.
func (p Profile) NumFramePackets() int {
	return p.NumPrimaryPackets + 1
}

// TotalFramePackets is the packet count that completes an entire frame,
// across every type and subframe slot.
func (p Profile) TotalFramePackets() int {
	return p.NumTypes * p.NumSubframes * p.NumFramePackets()
}

// TotalSubframeBytes is the byte span one (type, subframe) slot occupies
// in a frame buffer, counting the tail packet.
func (p Profile) TotalSubframeBytes() int {
	return p.NumPrimaryPackets*p.PrimaryPacketSize + p.TailPacketSize
}

// PayloadSizeFor returns the expected payload capacity for packetNumber:
// PrimaryPacketSize for all but the last packet, TailPacketSize for it.
func (p Profile) PayloadSizeFor(packetNumber uint16) int {
	if int(packetNumber) < p.NumPrimaryPackets {
		return p.PrimaryPacketSize
	}
	return p.TailPacketSize
}

var profiles = map[string]Profile{
	"percival2m": {
		Name:              "percival2m",
		NumPrimaryPackets: 1408,
		PrimaryPacketSize: 1024,
		TailPacketSize:    512,
		NumTypes:          2,
		NumSubframes:      2,
		FrameHeight:       1484,
		FrameWidth:        1408,
		SubframeWidth:     704,
		Pixel:             Raw16Bit,
	},
	"percival13m": {
		Name:              "percival13m",
		NumPrimaryPackets: 3616,
		PrimaryPacketSize: 1024,
		TailPacketSize:    512,
		NumTypes:          2,
		NumSubframes:      4,
		FrameHeight:       3818,
		FrameWidth:        3616,
		SubframeWidth:     904,
		Pixel:             Raw16Bit,
	},
	"excalibur3m": {
		Name:              "excalibur3m",
		NumPrimaryPackets: 2048,
		PrimaryPacketSize: 1024,
		TailPacketSize:    256,
		NumTypes:          1,
		NumSubframes:      4,
		FrameHeight:       1536,
		FrameWidth:        2048,
		SubframeWidth:     512,
		Pixel:             Raw8Bit,
	},
}

// ErrUnknownSensor is returned by Lookup for an unrecognised --sensor-type.
var ErrUnknownSensor = fmt.Errorf("sensor: unknown sensor type")

// Lookup resolves a --sensor-type flag value to its Profile.
func Lookup(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownSensor, name)
	}
	return p, nil
}

// Names returns the recognised sensor type names, for flag usage text.
func Names() []string {
	return []string{"percival2m", "percival13m", "excalibur3m"}
}
