package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/events"
	"Protego-Vault/internal/vault"
)

const fileJournalRetained = 4096

// fileEntry 是日志文件中的一行。
type fileEntry struct {
	Operation string           `json:"operation"`
	Caller    common.Address   `json:"caller"`
	Snapshot  *vault.Snapshot  `json:"snapshot"`
	Events    []events.Message `json:"events"`
	CreatedAt int64            `json:"created_at"`
}

// FileJournal 以追加写 JSON 行的方式保存提交记录，适合单节点部署与本地开发。
type FileJournal struct {
	mu       sync.RWMutex
	dataFile string
	latest   *vault.Snapshot
	events   []events.Message
	now      func() time.Time
}

// NewFileJournal 在 dataDir 下创建或加载 journal.log。
func NewFileJournal(dataDir string) (*FileJournal, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	j := &FileJournal{dataFile: filepath.Join(dataDir, "journal.log"), now: time.Now}
	if err := j.loadFromDisk(); err != nil {
		return nil, err
	}
	return j, nil
}

// Record 追加写入一次提交。
func (j *FileJournal) Record(_ context.Context, commit vault.Commit) error {
	if commit.Snapshot == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "commit carries no snapshot")
	}
	entry := fileEntry{
		Operation: commit.Operation,
		Caller:    commit.Caller,
		Snapshot:  commit.Snapshot,
		Events:    events.FromCommit(commit),
		CreatedAt: j.now().UnixMilli(),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化提交记录失败")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开日志文件失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入日志文件失败")
	}
	j.apply(entry)
	return nil
}

// Latest 实现 Journal。
func (j *FileJournal) Latest(context.Context) (*vault.Snapshot, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.latest, nil
}

// Events 实现 Journal。仅保留最近的事件。
func (j *FileJournal) Events(_ context.Context, after uint64, limit int) ([]events.Message, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	limit = clampLimit(limit)
	out := make([]events.Message, 0)
	for _, m := range j.events {
		if m.Seq <= after {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close 实现 Journal。
func (j *FileJournal) Close() error { return nil }

func (j *FileJournal) apply(entry fileEntry) {
	j.latest = entry.Snapshot
	j.events = append(j.events, entry.Events...)
	if over := len(j.events) - fileJournalRetained; over > 0 {
		j.events = append([]events.Message(nil), j.events[over:]...)
	}
}

func (j *FileJournal) loadFromDisk() error {
	file, err := os.OpenFile(j.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取日志文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry fileEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 截断的尾行来自写入中途崩溃，跳过。
			continue
		}
		if entry.Snapshot == nil {
			continue
		}
		j.apply(entry)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析日志文件失败")
	}
	return nil
}

var (
	_ Journal = (*SQLJournal)(nil)
	_ Journal = (*FileJournal)(nil)
)
