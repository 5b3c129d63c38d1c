package ledger

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/sensorlink-go/pkg/log"
)

// csvHeader 与分析脚本读取的列名保持一致。
var csvHeader = []string{"Seq_Num", "Start_Time", "End_Time"}

// WriteCSV 将一张表写成 CSV，包含未完成的记录（结束时间为 0）。
func (s *Snapshot) WriteCSV(w io.Writer, t Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	row := make([]string, 3)
	for _, e := range s.Table(t) {
		row[0] = strconv.FormatUint(uint64(e.Seq), 10)
		row[1] = strconv.FormatUint(e.StartUs, 10)
		row[2] = strconv.FormatUint(e.EndUs, 10)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVFileName 返回某张表导出的文件名，例如 RTT.csv。
func CSVFileName(t Table) string {
	return t.String() + ".csv"
}

// ExportCSV 在 dir 下为每张表写一个 CSV 文件，目录不存在时创建。
func (s *Snapshot) ExportCSV(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create ledger export dir %s", dir)
	}
	for _, t := range Tables() {
		path := filepath.Join(dir, CSVFileName(t))
		if err := s.writeCSVFile(path, t); err != nil {
			return err
		}
	}
	log.Info("ledger exported",
		zap.String("dir", dir),
		zap.Int("capacity", s.Capacity))
	return nil
}

func (s *Snapshot) writeCSVFile(path string, t Table) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return errors.Wrapf(s.WriteCSV(f, t), "write %s", path)
}
