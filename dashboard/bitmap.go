// Package dashboard reads the disk bitmap written by the child and turns it into renderable snapshots.
package dashboard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// SystemBlocks is the number of leading blocks that always belong to the system, whatever their bit.
const SystemBlocks = 4

type Kind int

const (
	KindFree Kind = iota
	KindUsed
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindUsed:
		return "used"
	case KindSystem:
		return "system"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "free":
		*k = KindFree
	case "used":
		*k = KindUsed
	case "system":
		*k = KindSystem
	default:
		return fmt.Errorf("unknown block kind %q", b)
	}
	return nil
}

type Block struct {
	Index int
	Kind  Kind
}

// Parse classifies every character of a bitmap.
func Parse(bitmap string) []Block {
	bitmap = strings.TrimSpace(bitmap)
	blocks := make([]Block, 0, len(bitmap))
	for i, bit := range []byte(bitmap) {
		kind := KindFree
		switch {
		case i < SystemBlocks:
			kind = KindSystem
		case bit == '1':
			kind = KindUsed
		}
		blocks = append(blocks, Block{Index: i, Kind: kind})
	}
	return blocks
}

type Status string

const (
	// StatusWaiting means the bitmap file does not exist yet.
	StatusWaiting Status = "waiting"
	StatusLoaded  Status = "loaded"
)

// Snapshot is one reading of the bitmap file.
type Snapshot struct {
	Status    Status
	Bitmap    string
	Blocks    []Block
	System    int
	Used      int
	Free      int
	UpdatedAt time.Time
}

func NewSnapshot(bitmap string) Snapshot {
	s := Snapshot{
		Status:    StatusLoaded,
		Bitmap:    strings.TrimSpace(bitmap),
		Blocks:    Parse(bitmap),
		UpdatedAt: time.Now().UTC(),
	}
	for _, b := range s.Blocks {
		switch b.Kind {
		case KindSystem:
			s.System++
		case KindUsed:
			s.Used++
		default:
			s.Free++
		}
	}
	return s
}

// Same reports whether both snapshots show the same disk state.
func (s Snapshot) Same(o Snapshot) bool {
	return s.Status == o.Status && s.Bitmap == o.Bitmap
}

// Load reads the bitmap file at path.
// A missing file is not an error, it yields a waiting snapshot.
func Load(path string) (Snapshot, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{Status: StatusWaiting, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading disk map: %w", err)
	}
	return NewSnapshot(string(b)), nil
}
