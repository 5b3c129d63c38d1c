package experiment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/sensorlink-go/internal/compressor"
	"github.com/lk2023060901/sensorlink-go/internal/json"
	"github.com/lk2023060901/sensorlink-go/internal/ledger"
	"github.com/lk2023060901/sensorlink-go/internal/scenario"
	"github.com/lk2023060901/sensorlink-go/pkg/log"
)

const (
	dumpJSONName    = "ledger.json"
	dumpArchiveName = "ledger.bin"
)

// DirSink 把每个场景的账本写到 Dir/scenario-NN/ 下：
// 每张表一个 CSV、一份带场景参数的 JSON，以及压缩后的二进制转储。
type DirSink struct {
	Dir        string
	Compressor compressor.Compressor
}

var _ DumpSink = (*DirSink)(nil)

type dumpDocument struct {
	Scenario scenario.Config  `json:"scenario"`
	Ledger   *ledger.Snapshot `json:"ledger"`
}

// ScenarioDir 返回场景 id 的输出目录。
func (s *DirSink) ScenarioDir(id int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("scenario-%02d", id))
}

// ArchiveName 返回二进制转储的文件名，后缀为压缩器名称。
func (s *DirSink) ArchiveName() string {
	return dumpArchiveName + "." + s.compressor().Name()
}

func (s *DirSink) compressor() compressor.Compressor {
	if s.Compressor == nil {
		return compressor.NopCompressor{}
	}
	return s.Compressor
}

func (s *DirSink) Store(ctx context.Context, cfg scenario.Config, snap *ledger.Snapshot) error {
	dir := s.ScenarioDir(cfg.ID)
	if err := snap.ExportCSV(dir); err != nil {
		return err
	}

	doc, err := json.MarshalIndent(dumpDocument{Scenario: cfg, Ledger: snap}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal ledger")
	}
	if err := os.WriteFile(filepath.Join(dir, dumpJSONName), doc, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", dumpJSONName)
	}

	archive, err := snap.Archive(s.compressor())
	if err != nil {
		return err
	}
	archivePath := filepath.Join(dir, s.ArchiveName())
	if err := os.WriteFile(archivePath, archive, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", archivePath)
	}

	log.Ctx(ctx).Info("ledger stored",
		zap.String("dir", dir),
		zap.Int("archiveBytes", len(archive)))
	return nil
}

// LoadArchive 读回 Store 写出的二进制转储。
func (s *DirSink) LoadArchive(id int) (*ledger.Snapshot, error) {
	path := filepath.Join(s.ScenarioDir(id), s.ArchiveName())
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return ledger.OpenArchive(s.compressor(), data)
}
