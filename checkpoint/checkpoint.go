package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/tuneflow/pkg/autoid"
	derror "github.com/hanfei1991/tuneflow/pkg/errors"
)

// Target selects where a checkpoint payload is stored.
type Target int32

const (
	// TargetMemory keeps the payload in process memory. It is cheap and
	// is what pause/resume uses.
	TargetMemory Target = iota + 1
	// TargetDisk persists the payload to the local filesystem.
	TargetDisk
)

func (t Target) String() string {
	switch t {
	case TargetMemory:
		return "memory"
	case TargetDisk:
		return "disk"
	}
	return "unknown"
}

// Ref points at one stored checkpoint. The payload layout is opaque to the
// scheduler; only the store that produced a Ref can resolve it.
type Ref struct {
	Target Target `json:"target"`
	Key    string `json:"key"`
}

// Store persists checkpoint payloads and resolves Refs back to them.
type Store interface {
	Put(ctx context.Context, payload []byte, target Target) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	Discard(ctx context.Context, ref Ref) error
}

// LocalStore keeps TargetMemory checkpoints in process memory and
// TargetDisk checkpoints as files under a local directory.
type LocalStore struct {
	mu  sync.Mutex
	dir string
	mem map[string][]byte
	ids *autoid.UUIDAllocator
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{
		dir: dir,
		mem: make(map[string][]byte),
		ids: autoid.NewUUIDAllocator(),
	}
}

func (s *LocalStore) Put(ctx context.Context, payload []byte, target Target) (Ref, error) {
	key := s.ids.AllocID()
	switch target {
	case TargetMemory:
		buf := make([]byte, len(payload))
		copy(buf, payload)
		s.mu.Lock()
		s.mem[key] = buf
		s.mu.Unlock()
	case TargetDisk:
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return Ref{}, derror.WrapError(derror.ErrCheckpointFailed, err, key)
		}
		if err := os.WriteFile(s.filePath(key), payload, 0o600); err != nil {
			return Ref{}, derror.WrapError(derror.ErrCheckpointFailed, err, key)
		}
	default:
		log.L().Panic("unsupported checkpoint target", zap.Int32("target", int32(target)))
	}
	return Ref{Target: target, Key: key}, nil
}

func (s *LocalStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	switch ref.Target {
	case TargetMemory:
		s.mu.Lock()
		payload, ok := s.mem[ref.Key]
		s.mu.Unlock()
		if !ok {
			return nil, derror.ErrCheckpointNotFound.GenWithStackByArgs(ref.Key)
		}
		buf := make([]byte, len(payload))
		copy(buf, payload)
		return buf, nil
	case TargetDisk:
		payload, err := os.ReadFile(s.filePath(ref.Key))
		if os.IsNotExist(err) {
			return nil, derror.ErrCheckpointNotFound.GenWithStackByArgs(ref.Key)
		}
		if err != nil {
			return nil, derror.WrapError(derror.ErrRestoreFailed, err, ref.Key)
		}
		return payload, nil
	}
	log.L().Panic("unsupported checkpoint target", zap.Int32("target", int32(ref.Target)))
	panic("unreachable")
}

func (s *LocalStore) Discard(ctx context.Context, ref Ref) error {
	switch ref.Target {
	case TargetMemory:
		s.mu.Lock()
		delete(s.mem, ref.Key)
		s.mu.Unlock()
		return nil
	case TargetDisk:
		if err := os.Remove(s.filePath(ref.Key)); err != nil && !os.IsNotExist(err) {
			return derror.WrapError(derror.ErrCheckpointFailed, err, ref.Key)
		}
		return nil
	}
	log.L().Panic("unsupported checkpoint target", zap.Int32("target", int32(ref.Target)))
	panic("unreachable")
}

func (s *LocalStore) filePath(key string) string {
	return filepath.Join(s.dir, key+".ckpt")
}
