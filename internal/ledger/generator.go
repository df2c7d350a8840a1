package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator builds the batch of one operation. It is reset at the
// start of every operation with the operation's reference, sequence and
// input timestamp.
type JournalGenerator struct {
	sequence  int64
	eventRef  string
	timestamp int64
	batch     *Batch
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// Begin opens a new batch for an operation.
func (jg *JournalGenerator) Begin(eventRef string, sequence int64, timestamp int64) {
	jg.sequence = sequence
	jg.eventRef = eventRef
	jg.timestamp = timestamp
	jg.batch = &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Open reports whether a batch is being built.
func (jg *JournalGenerator) Open() bool {
	return jg.batch != nil
}

// Generate appends a transfer journal to the open batch and returns it.
func (jg *JournalGenerator) Generate(from, to AccountKey, amount *big.Int, jt JournalType) (Journal, error) {
	if jg.batch == nil {
		jg.Begin("", jg.sequence, jg.timestamp)
	}
	if from.AssetID != to.AssetID {
		return Journal{}, fmt.Errorf("transfer %s -> %s mixes assets", from.AccountPath(), to.AccountPath())
	}
	if amount == nil || amount.Sign() <= 0 {
		return Journal{}, fmt.Errorf("transfer %s -> %s has non-positive amount: %v", from.AccountPath(), to.AccountPath(), amount)
	}

	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       from.AssetID,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     jg.timestamp,
	}
	jg.batch.Journals = append(jg.batch.Journals, j)
	return j, nil
}

// Truncate drops journals appended after the first n.
func (jg *JournalGenerator) Truncate(n int) {
	if jg.batch == nil || n >= len(jg.batch.Journals) {
		return
	}
	jg.batch.Journals = jg.batch.Journals[:n]
}

// Len returns the number of journals in the open batch.
func (jg *JournalGenerator) Len() int {
	if jg.batch == nil {
		return 0
	}
	return len(jg.batch.Journals)
}

// Journals returns the journals in the open batch.
func (jg *JournalGenerator) Journals() []Journal {
	if jg.batch == nil {
		return nil
	}
	return jg.batch.Journals
}

// Finish closes the open batch and returns it.
func (jg *JournalGenerator) Finish() *Batch {
	b := jg.batch
	jg.batch = nil
	return b
}

// SetSequence sets the sequence used for subsequent batches (snapshot restore).
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}
