package stream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/c360/objstore/errors"
)

// Bolt layout:
//
//	streams/<name>/config   persistedStream JSON
//	streams/<name>/last_seq big-endian uint64
//	streams/<name>/msgs/<seq big-endian> storedMsg JSON
var (
	bucketStreams = []byte("streams")
	bucketMsgs    = []byte("msgs")
	keyConfig     = []byte("config")
	keyLastSeq    = []byte("last_seq")
)

type persistedStream struct {
	Config  Config    `json:"config"`
	Created time.Time `json:"created"`
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (l *Local) persisted(st *localStream) bool {
	return l.db != nil && st.cfg.Storage == FileStorage
}

func (l *Local) load() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketStreams)
		if err != nil {
			return err
		}
		return root.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			b := root.Bucket(name)
			raw := b.Get(keyConfig)
			if raw == nil {
				return fmt.Errorf("stream %s: %w", name, errors.ErrInvalidData)
			}
			var ps persistedStream
			if err := json.Unmarshal(raw, &ps); err != nil {
				return fmt.Errorf("stream %s config: %w", name, err)
			}

			st := &localStream{
				cfg:     ps.Config,
				created: ps.Created,
				subs:    make(map[*localSub]struct{}),
			}
			if ls := b.Get(keyLastSeq); len(ls) == 8 {
				st.lastSeq = binary.BigEndian.Uint64(ls)
			}
			if msgs := b.Bucket(bucketMsgs); msgs != nil {
				err := msgs.ForEach(func(_, v []byte) error {
					var m storedMsg
					if err := json.Unmarshal(v, &m); err != nil {
						return fmt.Errorf("stream %s message: %w", name, err)
					}
					st.msgs = append(st.msgs, &m)
					st.bytes += m.size()
					if m.Seq > st.lastSeq {
						st.lastSeq = m.Seq
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			l.streams[ps.Config.Name] = st
			return nil
		})
	})
}

func (l *Local) persistStream(st *localStream) error {
	if !l.persisted(st) {
		return nil
	}
	raw, err := json.Marshal(persistedStream{Config: st.cfg, Created: st.created})
	if err != nil {
		return errors.WrapInvalid(err, "Local", "CreateStream", "encode stream config")
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketStreams).CreateBucketIfNotExists([]byte(st.cfg.Name))
		if err != nil {
			return err
		}
		if _, err := b.CreateBucketIfNotExists(bucketMsgs); err != nil {
			return err
		}
		return b.Put(keyConfig, raw)
	})
	if err != nil {
		return errors.WrapFatal(err, "Local", "CreateStream", "persist stream")
	}
	return nil
}

func (l *Local) persistAppend(st *localStream, msg *storedMsg, evicted []*storedMsg) error {
	if !l.persisted(st) {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Local", "Publish", "encode message")
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreams).Bucket([]byte(st.cfg.Name))
		if b == nil {
			return ErrStreamNotFound
		}
		msgs := b.Bucket(bucketMsgs)
		for _, old := range evicted {
			if err := msgs.Delete(seqKey(old.Seq)); err != nil {
				return err
			}
		}
		if err := msgs.Put(seqKey(msg.Seq), raw); err != nil {
			return err
		}
		return b.Put(keyLastSeq, seqKey(msg.Seq))
	})
	if err != nil {
		return errors.WrapFatal(err, "Local", "Publish", "persist message")
	}
	return nil
}

func (l *Local) persistRemove(st *localStream, removed []*storedMsg) error {
	if !l.persisted(st) || len(removed) == 0 {
		return nil
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStreams).Bucket([]byte(st.cfg.Name))
		if b == nil {
			return ErrStreamNotFound
		}
		msgs := b.Bucket(bucketMsgs)
		for _, m := range removed {
			if err := msgs.Delete(seqKey(m.Seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.WrapFatal(err, "Local", "Purge", "remove persisted messages")
	}
	return nil
}
