package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

var (
	bucketPolicy     = []byte("policy")
	bucketSink       = []byte("gp_sink")
	bucketImages     = []byte("ota_images")
	bucketFiles      = []byte("ota_files")
	bucketSession    = []byte("ota_session")
	bucketSessionBuf = []byte("ota_session_data")
	keyPolicyState   = []byte("state")
	keyClientSession = []byte("client")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPolicy, bucketSink, bucketImages, bucketFiles, bucketSession, bucketSessionBuf} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func (s *BoltStore) LoadPolicy() (zcl.PolicyState, bool, error) {
	var st zcl.PolicyState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPolicy)
		if err != nil {
			return err
		}
		data := b.Get(keyPolicyState)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return zcl.PolicyState{}, false, fmt.Errorf("load policy: %w", err)
	}
	return st, found, nil
}

func (s *BoltStore) SavePolicy(st zcl.PolicyState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketPolicy)
		if err != nil {
			return err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyPolicyState, data)
	})
}

func (s *BoltStore) SaveSinkEntry(e greenpower.SinkEntry) error {
	if e.GPD == nil {
		return fmt.Errorf("sink entry without gpd id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSink)
		if err != nil {
			return err
		}
		// Use the storage struct to persist the key.
		rec := sinkRecordStorage{SinkRecord: NewSinkRecord(e)}
		if e.Security != nil {
			rec.Key = e.Key[:]
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(e.GPD.String()), data)
	})
}

func (s *BoltStore) DeleteSinkEntry(id greenpower.GPDID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSink)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id.String()))
	})
}

func (s *BoltStore) loadSinkRecords() ([]SinkRecord, error) {
	var records []SinkRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSink)
		if err != nil {
			return err
		}
		records = make([]SinkRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec sinkRecordStorage
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("sink entry %s: %w", k, err)
			}
			copy(rec.SinkRecord.Key[:], rec.Key)
			records = append(records, rec.SinkRecord)
			return nil
		})
	})
	return records, err
}

// LoadSinkEntries returns the stored sink table, skipping records whose
// GPD ID no longer parses.
func (s *BoltStore) LoadSinkEntries() ([]greenpower.SinkEntry, error) {
	records, err := s.loadSinkRecords()
	if err != nil {
		return nil, err
	}
	entries := make([]greenpower.SinkEntry, 0, len(records))
	for i := range records {
		e, err := records[i].Entry()
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ListSinkRecords returns the stored sink table for display. Keys are not
// included.
func (s *BoltStore) ListSinkRecords() ([]SinkRecord, error) {
	records, err := s.loadSinkRecords()
	for i := range records {
		records[i].Key = [16]byte{}
	}
	return records, err
}

// AddImage validates an upgrade file and stores it, replacing a file with
// the same key.
func (s *BoltStore) AddImage(data []byte) (ImageInfo, error) {
	h, _, err := ota.ParseImage(data)
	if err != nil {
		return ImageInfo{}, err
	}
	info := ImageInfo{Key: ImageKey(&h), ImageHeader: h, AddedAt: time.Now().UTC()}
	err = s.db.Update(func(tx *bolt.Tx) error {
		images, err := bucket(tx, bucketImages)
		if err != nil {
			return err
		}
		files, err := bucket(tx, bucketFiles)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(info)
		if err != nil {
			return err
		}
		if err := images.Put([]byte(info.Key), meta); err != nil {
			return err
		}
		return files.Put([]byte(info.Key), data)
	})
	if err != nil {
		return ImageInfo{}, fmt.Errorf("add image %s: %w", info.Key, err)
	}
	return info, nil
}

// ListImages returns the stored images, newest version first.
func (s *BoltStore) ListImages() ([]ImageInfo, error) {
	var images []ImageInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketImages)
		if err != nil {
			return err
		}
		images = make([]ImageInfo, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var info ImageInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("image %s: %w", k, err)
			}
			images = append(images, info)
			return nil
		})
	})
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].FileVersion > images[j].FileVersion
	})
	return images, err
}

func (s *BoltStore) DeleteImage(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		images, err := bucket(tx, bucketImages)
		if err != nil {
			return err
		}
		files, err := bucket(tx, bucketFiles)
		if err != nil {
			return err
		}
		if images.Get([]byte(key)) == nil {
			return fmt.Errorf("image %s: %w", key, ErrNotFound)
		}
		if err := images.Delete([]byte(key)); err != nil {
			return err
		}
		return files.Delete([]byte(key))
	})
}

// newest returns the highest version image accepted by match.
func (s *BoltStore) newest(match func(h *ota.ImageHeader) bool) (ota.ImageHeader, bool, error) {
	images, err := s.ListImages()
	if err != nil {
		return ota.ImageHeader{}, false, err
	}
	for i := range images {
		if match(&images[i].ImageHeader) {
			return images[i].ImageHeader, true, nil
		}
	}
	return ota.ImageHeader{}, false, nil
}

func (s *BoltStore) FindImage(manufacturer, imageType uint16) (ota.ImageHeader, error) {
	h, ok, err := s.newest(func(h *ota.ImageHeader) bool {
		return h.Destination == nil && h.Matches(manufacturer, imageType)
	})
	if err != nil {
		return h, err
	}
	if !ok {
		return h, fmt.Errorf("image 0x%04X/0x%04X: %w", manufacturer, imageType, ota.ErrNoImage)
	}
	return h, nil
}

func (s *BoltStore) FindDeviceFile(ieee zcl.IEEEAddr, manufacturer, imageType uint16) (ota.ImageHeader, error) {
	h, ok, err := s.newest(func(h *ota.ImageHeader) bool {
		return isDestination(h, ieee) && h.Matches(manufacturer, imageType)
	})
	if err != nil {
		return h, err
	}
	if !ok {
		return h, fmt.Errorf("device file for %s: %w", ieee, ota.ErrNoImage)
	}
	return h, nil
}

// ReadImage copies up to n bytes of the stored file at offset.
func (s *BoltStore) ReadImage(h ota.ImageHeader, offset uint32, n int) ([]byte, error) {
	key := ImageKey(&h)
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketFiles)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("image %s: %w", key, ota.ErrNoImage)
		}
		if uint64(offset) >= uint64(len(data)) {
			return nil
		}
		end := min(len(data), int(offset)+n)
		// bolt memory is only valid inside the transaction
		out = append([]byte(nil), data[offset:end]...)
		return nil
	})
	return out, err
}

// ImageFile returns a copy of a complete stored file.
func (s *BoltStore) ImageFile(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketFiles)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("image %s: %w", key, ErrNotFound)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func dataKey(offset uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, offset)
}

// LoadSession returns the saved session with the data chunks that follow
// each other from offset 0.
func (s *BoltStore) LoadSession() (*ota.Session, error) {
	var sess *ota.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}
		data := b.Get(keyClientSession)
		if data == nil {
			return nil
		}
		sess = &ota.Session{}
		if err := json.Unmarshal(data, sess); err != nil {
			return err
		}
		chunks, err := bucket(tx, bucketSessionBuf)
		if err != nil {
			return err
		}
		var buf []byte
		c := chunks.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint32(k) != uint32(len(buf)) {
				break
			}
			buf = append(buf, v...)
		}
		sess.Data = buf
		sess.Offset = uint32(len(buf))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load ota session: %w", err)
	}
	return sess, nil
}

func (s *BoltStore) SaveSession(sess *ota.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put(keyClientSession, data)
	})
}

// AppendData stores one chunk of session data keyed by its offset. Chunks
// at or past offset are dropped first.
func (s *BoltStore) AppendData(offset uint32, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSessionBuf)
		if err != nil {
			return err
		}
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(dataKey(offset)); k != nil; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		if len(data) == 0 {
			return nil
		}
		return b.Put(dataKey(offset), data)
	})
}

func (s *BoltStore) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}
		if err := b.Delete(keyClientSession); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketSessionBuf); err != nil {
			return err
		}
		_, err = tx.CreateBucket(bucketSessionBuf)
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
