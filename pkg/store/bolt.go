package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/served/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Bucket names, one per logical relation. Commands and revisions are
// rows in their own buckets (not nested JSON inside the owning
// application) so that cascade delete is a prefix scan instead of a
// read-modify-write of a growing blob, matching relational foreign-key
// semantics.
var (
	bucketApplications      = []byte("applications")
	bucketCommands          = []byte("commands")
	bucketRevisions         = []byte("revisions")
	bucketTransactions      = []byte("transactions")
	bucketTransactionStates = []byte("transactions_state")
	bucketTransactionLogs   = []byte("transaction_logs")
)

var allBuckets = [][]byte{
	bucketApplications, bucketCommands, bucketRevisions,
	bucketTransactions, bucketTransactionStates, bucketTransactionLogs,
}

func createBuckets(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func uint64Key(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func childKey(parent string, childID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(parent)
	buf.WriteByte(0)
	buf.WriteString(childID)
	return buf.Bytes()
}

func childPrefix(parent string) []byte {
	var buf bytes.Buffer
	buf.WriteString(parent)
	buf.WriteByte(0)
	return buf.Bytes()
}

func logKey(txID uint64, seq uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], txID)
	binary.BigEndian.PutUint64(b[8:], seq)
	return b
}

// loadedData is the fully reconstituted in-memory view built by
// loadFromDisk, handed to the cache on Load.
type loadedData struct {
	applications map[string]*types.Application
	transactions map[uint64]*types.Transaction
	states       map[uint64]*types.TransactionState
	maxTxID      uint64
}

func loadFromDisk(db *bolt.DB) (*loadedData, error) {
	data := &loadedData{
		applications: make(map[string]*types.Application),
		transactions: make(map[uint64]*types.Transaction),
		states:       make(map[uint64]*types.TransactionState),
	}

	err := db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketApplications).ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			data.applications[app.Name] = &app
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketCommands).ForEach(func(k, v []byte) error {
			appName := string(bytes.SplitN(k, []byte{0}, 2)[0])
			app, ok := data.applications[appName]
			if !ok {
				return nil // orphaned row, application already deleted
			}
			var cmd types.Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			app.Commands = append(app.Commands, &cmd)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketRevisions).ForEach(func(k, v []byte) error {
			appName := string(bytes.SplitN(k, []byte{0}, 2)[0])
			app, ok := data.applications[appName]
			if !ok {
				return nil
			}
			var rev types.Revision
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			app.Revisions = append(app.Revisions, &rev)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketTransactions).ForEach(func(k, v []byte) error {
			var t types.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			data.transactions[t.ID] = &t
			if t.ID > data.maxTxID {
				data.maxTxID = t.ID
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketTransactionStates).ForEach(func(k, v []byte) error {
			var s types.TransactionState
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			data.states[s.TransactionID] = &s
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketTransactionLogs).ForEach(func(k, v []byte) error {
			txID := binary.BigEndian.Uint64(k[:8])
			state, ok := data.states[txID]
			if !ok {
				return nil
			}
			var l types.TransactionLog
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			state.Logs = append(state.Logs, &l)
			return nil
		}); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, state := range data.states {
		sort.Slice(state.Logs, func(i, j int) bool {
			return state.Logs[i].Timestamp.Before(state.Logs[j].Timestamp)
		})
	}

	return data, nil
}

// applyOp re-executes one deferred mutation against an open bbolt
// transaction. Called only from commitDeferred, inside a single
// db.Update so the whole batch commits or rolls back atomically.
func applyOp(tx *bolt.Tx, op deferredOp) error {
	switch op.kind {
	case opAddApplication:
		b := tx.Bucket(bucketApplications)
		bare := op.application
		bare.Commands = nil
		bare.Revisions = nil
		data, err := json.Marshal(bare)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(bare.Name), data); err != nil {
			return err
		}
		cb := tx.Bucket(bucketCommands)
		for _, c := range op.application.Commands {
			cd, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := cb.Put(childKey(bare.Name, c.ID), cd); err != nil {
				return err
			}
		}
		rb := tx.Bucket(bucketRevisions)
		for _, r := range op.application.Revisions {
			rd, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := rb.Put(childKey(bare.Name, r.ID), rd); err != nil {
				return err
			}
		}
		return nil

	case opRemoveApplication:
		if err := tx.Bucket(bucketApplications).Delete([]byte(op.applicationName)); err != nil {
			return err
		}
		if err := deletePrefix(tx.Bucket(bucketCommands), childPrefix(op.applicationName)); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketRevisions), childPrefix(op.applicationName))

	case opAddTransaction, opUpdateTransaction:
		data, err := json.Marshal(op.transaction)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTransactions).Put(uint64Key(op.transaction.ID), data)

	case opCompleteTransaction:
		b := tx.Bucket(bucketTransactions)
		raw := b.Get(uint64Key(op.transactionID))
		if raw == nil {
			return fmt.Errorf("complete_transaction: unknown id %d", op.transactionID)
		}
		var t types.Transaction
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		completedAt := op.completedAt
		t.CompletedAt = &completedAt
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(uint64Key(op.transactionID), data)

	case opAddTransactionState, opUpdateTransactionState:
		bare := op.transactionState
		bare.Logs = nil
		data, err := json.Marshal(bare)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTransactionStates).Put(uint64Key(bare.TransactionID), data)

	case opAddTransactionLog:
		b := tx.Bucket(bucketTransactionLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(op.log)
		if err != nil {
			return err
		}
		return b.Put(logKey(op.log.TransactionID, seq), data)

	default:
		return fmt.Errorf("unknown deferred op kind %d", op.kind)
	}
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// deleteTransactionCascade removes a transaction row and its state/log
// rows, used by cleanup().
func deleteTransactionCascade(tx *bolt.Tx, id uint64) error {
	if err := tx.Bucket(bucketTransactions).Delete(uint64Key(id)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketTransactionStates).Delete(uint64Key(id)); err != nil {
		return err
	}
	prefix := uint64Key(id)
	b := tx.Bucket(bucketTransactionLogs)
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}
