package archiver

import (
	"github.com/kvarchive/engine/internal/codec"
	"github.com/kvarchive/engine/internal/common/daemon"
)

// DefaultIgnoreSet is the set of record types the consumer drops rather than
// forwarding into the replacement-selection heap: skip records are pure
// partition-boundary markers and ticks carry no page effect worth indexing.
func DefaultIgnoreSet() map[codec.RecordType]bool {
	return map[codec.RecordType]bool{
		codec.RecSkip: true,
		codec.RecTick: true,
	}
}

// LogConsumer implements the §4.F LogConsumer stage: a record-at-a-time
// interface over Reader blocks, reassembling records that straddle block
// boundaries using a carry buffer of up to codec.MaxCarryOverBlocks block
// sizes, and dropping ignored record types.
type LogConsumer struct {
	blockSize int
	ignore    map[codec.RecordType]bool
	in        *daemon.Ring[rawBlock]
	out       *daemon.Ring[*codec.LogRecord]
}

// NewLogConsumer wires a consumer between the reader's raw-block ring and
// the heap stage's record ring.
func NewLogConsumer(blockSize int, ignore map[codec.RecordType]bool, in *daemon.Ring[rawBlock], out *daemon.Ring[*codec.LogRecord]) *LogConsumer {
	if ignore == nil {
		ignore = DefaultIgnoreSet()
	}
	return &LogConsumer{blockSize: blockSize, ignore: ignore, in: in, out: out}
}

// Run drains the raw-block ring, parses records out of the accumulated
// carry buffer, and forwards the ones not in the ignore set. It exits (and
// finishes its output ring) once the input ring is finished and drained.
func (c *LogConsumer) Run() {
	defer c.out.Finish()

	maxCarry := c.blockSize * codec.MaxCarryOverBlocks
	var carry []byte
	var curPartition uint32
	havePartition := false

	for {
		blk, ok := c.in.Get()
		if !ok {
			return
		}
		if !havePartition || blk.partition != curPartition {
			// A new partition always starts a fresh byte stream: any
			// leftover carry belongs to a skip record's tail padding, if
			// anything, and is discarded.
			carry = carry[:0]
			curPartition = blk.partition
			havePartition = true
		}
		carry = append(carry, blk.data...)

		offset := 0
		for {
			rec, next, err := codec.Parse(carry, offset)
			if err != nil {
				if _, needMore := err.(*codec.NeedMoreError); needMore {
					break
				}
				// A corrupt record here is a workspace-local decode
				// failure, not necessarily the volume's own WAL; the
				// merge/restore paths re-verify with VerifyPageChecksum
				// style checks on the pages it ultimately restores.
				break
			}
			offset = next
			if !c.ignore[rec.Type] {
				if !c.out.Put(rec) {
					return
				}
			}
		}
		if offset > 0 {
			carry = append([]byte(nil), carry[offset:]...)
		}
		if len(carry) > maxCarry {
			carry = carry[len(carry)-maxCarry:]
		}
	}
}
