package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "SolRounds/internal/errors"
)

// FileStore 以每资产一个 JSON 文件的形式保存轮次记忆。
// 写入先落临时文件再原子改名，进程中途崩溃不会留下半截文件。
type FileStore struct {
	dir       string
	maxRounds int

	mu    sync.Mutex
	cache map[string][]Entry
}

// NewFileStore 打开（必要时创建）目录并加载已有记录。
func NewFileStore(dir string, maxRounds int) (*FileStore, error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建记忆目录失败")
	}

	store := &FileStore{
		dir:       dir,
		maxRounds: maxRounds,
		cache:     make(map[string][]Entry),
	}
	if err := store.loadAll(); err != nil {
		return nil, err
	}
	return store, nil
}

// Append 追加一条记录并立即落盘。超出保留上限时丢弃最旧的轮次。
func (s *FileStore) Append(ctx context.Context, entry Entry) error {
	if entry.Asset == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少资产标识")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.cache[entry.Asset], entry)
	sort.Slice(entries, func(i, j int) bool { return entries[i].RoundID < entries[j].RoundID })
	if len(entries) > s.maxRounds {
		entries = entries[len(entries)-s.maxRounds:]
	}
	s.cache[entry.Asset] = entries

	return s.persist(entry.Asset, entries)
}

// History 返回资产最近的记录，按轮次从旧到新。
func (s *FileStore) History(ctx context.Context, asset string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cache[asset]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Close 对文件存储是空操作，缓存内容已全部落盘。
func (s *FileStore) Close() error { return nil }

func (s *FileStore) persist(asset string, entries []Entry) error {
	encoded, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录序列化失败")
	}

	target := s.pathFor(asset)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(target)+".tmp-")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷盘失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换记录文件失败")
	}
	return nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取记忆目录失败")
	}

	for _, file := range entries {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, file.Name()))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取记录文件失败")
		}
		var records []Entry
		if err := json.Unmarshal(raw, &records); err != nil {
			// 损坏的历史文件跳过而不是拖垮启动，新一轮会重建它。
			continue
		}
		if len(records) == 0 {
			continue
		}
		sort.Slice(records, func(i, j int) bool { return records[i].RoundID < records[j].RoundID })
		if len(records) > s.maxRounds {
			records = records[len(records)-s.maxRounds:]
		}
		s.cache[records[0].Asset] = records
	}
	return nil
}

func (s *FileStore) pathFor(asset string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, asset)
	return filepath.Join(s.dir, safe+".json")
}
