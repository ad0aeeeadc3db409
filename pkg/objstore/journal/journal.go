// Package journal implements the write-ahead log every transaction commits
// through. The log is a block-structured stream laid circularly over a
// fixed device region: fixed-size blocks whose last eight bytes hold a
// fletcher-64 checksum seeded by the previous block's checksum. Replay
// applies committed batches in order and stops at the first block that
// fails its checksum.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack"

	"github.com/quillfs/quillfs/pkg/metrics"
	"github.com/quillfs/quillfs/pkg/objstore/device"
	"github.com/quillfs/quillfs/pkg/objstore/txn"
	"github.com/quillfs/quillfs/pkg/util/logger"
)

// BlockSize is the size of one journal block including its checksum.
const BlockSize = 8192

const checksumLen = 8

const payloadLen = BlockSize - checksumLen

var (
	// ErrFull is returned when a commit would overwrite journal blocks
	// that still need replay. Callers must flush stores to advance the
	// base before retrying.
	ErrFull = errors.New("journal region full")

	// ErrRecordTooLarge is returned for a mutation that cannot fit in one
	// journal block.
	ErrRecordTooLarge = errors.New("journal record exceeds block payload")
)

// MutationRouter dispatches mutations to the component owning the target
// object. The filesystem's object manager implements it.
type MutationRouter interface {
	ApplyMutation(objectID uint64, m txn.Mutation, assoc txn.AssociatedObject, mode txn.ApplyMode, cp txn.Checkpoint) error
	DropMutation(objectID uint64, m txn.Mutation, t *txn.Transaction)
}

// Journal owns a fixed region of the device and implements txn.Handler.
//
// Stream offsets grow monotonically for the life of the volume; offset o
// lives at device position regionStart + o%regionSize. The window
// [base, head) holds the blocks replay still needs; base advances when a
// superblock records a newer checkpoint. Offsets double as the sequence
// numbers stamped onto tree items.
type Journal struct {
	mtx sync.Mutex

	// applyMtx serializes the post-write application of committed
	// batches. It is taken before mtx is released so batches apply in
	// log order; SkipLayer writers rely on that single-writer discipline.
	applyMtx sync.Mutex

	dev    device.Device
	router MutationRouter
	log    *logger.Logger
	mtr    *metrics.JournalMetrics

	regionStart uint64
	regionSize  uint64

	buf          []byte
	pos          int
	streamOffset uint64
	base         uint64
	lastChecksum uint64
}

// New creates a journal over the given device region. The region bounds
// must be multiples of BlockSize.
func New(dev device.Device, regionStart, regionSize uint64, router MutationRouter, log *logger.Logger) *Journal {
	if regionStart%BlockSize != 0 || regionSize%BlockSize != 0 {
		panic("journal region must be block aligned")
	}

	return &Journal{
		dev:         dev,
		router:      router,
		log:         log,
		regionStart: regionStart,
		regionSize:  regionSize,
		buf:         make([]byte, BlockSize),
	}
}

// SetMetrics enables metric reporting.
func (j *Journal) SetMetrics(m *metrics.JournalMetrics) { j.mtr = m }

// Format initializes an empty journal whose checksum chain starts at seed.
func (j *Journal) Format(seed uint64) {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	j.streamOffset = 0
	j.base = 0
	j.lastChecksum = seed
	j.pos = 0
}

// Checkpoint returns the position the next transaction will commit at.
func (j *Journal) Checkpoint() txn.Checkpoint {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	return txn.Checkpoint{FileOffset: j.streamOffset, Checksum: j.lastChecksum}
}

// SetBase moves the replay base forward after a superblock has durably
// recorded cp. Blocks before it may now be overwritten.
func (j *Journal) SetBase(cp txn.Checkpoint) {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if cp.FileOffset > j.base {
		j.base = cp.FileOffset
	}
}

// Free returns the bytes the journal can still write before it would
// overwrite blocks replay needs.
func (j *Journal) Free() uint64 {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	used := j.streamOffset - j.base
	if used >= j.regionSize {
		return 0
	}
	return j.regionSize - used
}

func (j *Journal) devicePos(offset uint64) uint64 {
	return j.regionStart + offset%j.regionSize
}

// Replay reads the journal from cp, applying each committed batch of
// mutations through the router, and leaves the journal positioned to
// append after the last committed batch. Uncommitted trailing records are
// discarded.
func (j *Journal) Replay(cp txn.Checkpoint) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	if cp.FileOffset%BlockSize != 0 {
		return fmt.Errorf("replay checkpoint %d not block aligned", cp.FileOffset)
	}

	offset := cp.FileOffset
	checksum := cp.Checksum
	resumeOffset := offset
	resumeChecksum := checksum

	var batch []txn.TxnMutation
	batchCP := txn.Checkpoint{FileOffset: offset, Checksum: checksum}
	committed := 0

	block := make([]byte, BlockSize)

scan:
	for offset-cp.FileOffset < j.regionSize {
		if err := j.dev.ReadAt(block, j.devicePos(offset)); err != nil {
			return fmt.Errorf("could not read journal block: %w", err)
		}

		want := binaryChecksum(block)
		got := Fletcher64(block[:payloadLen], checksum)
		if got != want {
			break
		}
		checksum = got

		dec := msgpack.NewDecoder(bytes.NewReader(block[:payloadLen]))
		for {
			var rec record
			if err := dec.Decode(&rec); err != nil {
				break scan
			}

			switch rec.Type {
			case recordEndBlock:
				offset += BlockSize
				continue scan
			case recordMutation:
				m, err := txn.DecodeMutation(rec.Mutation)
				if err != nil {
					j.log.Warn("journal replay stopped at undecodable mutation",
						logger.FieldUint("offset", offset),
						logger.FieldError(err))
					break scan
				}
				batch = append(batch, txn.TxnMutation{ObjectID: rec.ObjectID, Mutation: m})
			case recordCommit:
				for _, tm := range batch {
					err := j.router.ApplyMutation(tm.ObjectID, tm.Mutation, nil, txn.ApplyReplay, batchCP)
					if err != nil {
						return fmt.Errorf("could not apply replayed mutation: %w", err)
					}
				}
				committed++
				batch = batch[:0]
				resumeOffset = offset + BlockSize
				resumeChecksum = checksum
				batchCP = txn.Checkpoint{FileOffset: resumeOffset, Checksum: checksum}
			default:
				break scan
			}
		}
	}

	j.streamOffset = resumeOffset
	j.base = cp.FileOffset
	j.lastChecksum = resumeChecksum
	j.pos = 0

	j.log.Info("journal replay complete",
		logger.FieldInt("committed_batches", int64(committed)),
		logger.FieldUint("resume_offset", resumeOffset))

	return nil
}

// Commit implements txn.Handler. The batch is written to the log, sealed
// into whole blocks, and only then applied to the targets. The returned
// offset is the batch's start, which is also the sequence stamped onto the
// items it produced.
func (j *Journal) Commit(_ context.Context, t *txn.Transaction, callback func(cp txn.Checkpoint)) (uint64, error) {
	j.mtx.Lock()

	batchCP := txn.Checkpoint{FileOffset: j.streamOffset, Checksum: j.lastChecksum}

	for _, tm := range t.Mutations() {
		data, err := txn.EncodeMutation(tm.Mutation)
		if err != nil {
			j.mtx.Unlock()
			return 0, err
		}
		err = j.writeRecord(record{Type: recordMutation, ObjectID: tm.ObjectID, Mutation: data})
		if err != nil {
			j.mtx.Unlock()
			return 0, err
		}
	}
	if err := j.writeRecord(record{Type: recordCommit}); err != nil {
		j.mtx.Unlock()
		return 0, err
	}
	if err := j.seal(); err != nil {
		j.mtx.Unlock()
		return 0, err
	}
	if j.mtr != nil {
		j.mtr.IncCommits()
		j.mtr.SetLogOffset(j.streamOffset)
		used := j.streamOffset - j.base
		if used < j.regionSize {
			j.mtr.SetFreeBytes(j.regionSize - used)
		} else {
			j.mtr.SetFreeBytes(0)
		}
	}
	j.applyMtx.Lock()
	j.mtx.Unlock()
	defer j.applyMtx.Unlock()

	for _, tm := range t.Mutations() {
		if tm.Assoc != nil {
			tm.Assoc.WillApply(tm.Mutation)
		}
		err := j.router.ApplyMutation(tm.ObjectID, tm.Mutation, tm.Assoc, txn.ApplyLive, batchCP)
		if err != nil {
			// The batch is durably logged; failing to apply it means the
			// in-memory state has diverged from the log.
			panic(fmt.Sprintf("journal: could not apply committed mutation: %v", err))
		}
	}

	if callback != nil {
		callback(batchCP)
	}

	return batchCP.FileOffset, nil
}

// DropTransaction implements txn.Handler.
func (j *Journal) DropTransaction(t *txn.Transaction) {
	for _, tm := range t.Mutations() {
		j.router.DropMutation(tm.ObjectID, tm.Mutation, t)
	}
}

// writeRecord appends an encoded record to the current block, sealing it
// and starting the next one if the record does not fit.
func (j *Journal) writeRecord(rec record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("could not encode journal record: %w", err)
	}
	if len(data) > payloadLen-endBlockLen {
		return ErrRecordTooLarge
	}

	if j.pos+len(data) > payloadLen-endBlockLen {
		if err := j.seal(); err != nil {
			return err
		}
	}

	copy(j.buf[j.pos:], data)
	j.pos += len(data)

	return nil
}

// seal pads the current block, chains its checksum and writes it out.
func (j *Journal) seal() error {
	if j.streamOffset+BlockSize-j.base > j.regionSize {
		return ErrFull
	}

	end, err := msgpack.Marshal(record{Type: recordEndBlock})
	if err != nil {
		return err
	}
	copy(j.buf[j.pos:], end)
	for i := j.pos + len(end); i < payloadLen; i++ {
		j.buf[i] = 0
	}

	sum := Fletcher64(j.buf[:payloadLen], j.lastChecksum)
	putBinaryChecksum(j.buf, sum)

	if err := j.dev.WriteAt(j.buf, j.devicePos(j.streamOffset)); err != nil {
		return fmt.Errorf("could not write journal block: %w", err)
	}

	j.lastChecksum = sum
	j.streamOffset += BlockSize
	j.pos = 0

	return nil
}
