package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/dropfleet/dropfleet/pkg/logger"
)

type record struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type StoreTestSuite struct {
	suite.Suite
	dir  string
	path string
}

func (s *StoreTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.path = filepath.Join(s.dir, "records.json")
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) TestLoadMissingFile() {
	coll := New[record](s.path, logger.Nop())

	records, err := coll.Load()
	s.NoError(err)
	s.Empty(records)
}

func (s *StoreTestSuite) TestSaveLoadRoundTrip() {
	coll := New[record](s.path, logger.Nop())

	in := []record{{Name: "a", Value: 1}, {Name: "b", Value: 2}}
	s.Require().NoError(coll.Save(in))

	out, err := coll.Load()
	s.NoError(err)
	s.Equal(in, out)
}

func (s *StoreTestSuite) TestSaveLeavesNoTempFile() {
	coll := New[record](s.path, logger.Nop())
	s.Require().NoError(coll.Save([]record{{Name: "a"}}))

	_, err := os.Stat(s.path + ".tmp")
	s.True(os.IsNotExist(err))
}

func (s *StoreTestSuite) TestSaveNilWritesEmptyList() {
	coll := New[record](s.path, logger.Nop())
	s.Require().NoError(coll.Save(nil))

	data, err := os.ReadFile(s.path)
	s.Require().NoError(err)
	s.JSONEq("[]", string(data))
}

func (s *StoreTestSuite) TestCorruptFileQuarantined() {
	s.Require().NoError(os.WriteFile(s.path, []byte("{not json"), 0o600))

	coll := New[record](s.path, logger.Nop())
	records, err := coll.Load()
	s.NoError(err)
	s.Empty(records)

	// Original file moved aside to a timestamped backup.
	_, err = os.Stat(s.path)
	s.True(os.IsNotExist(err))

	backups, err := filepath.Glob(s.path + ".bak.*")
	s.Require().NoError(err)
	s.Len(backups, 1)

	moved, err := os.ReadFile(backups[0])
	s.Require().NoError(err)
	s.Equal("{not json", string(moved))
}

func (s *StoreTestSuite) TestRollingBackupKeepsPriorVersion() {
	coll := New[record](s.path, logger.Nop(), WithRollingBackup[record]())

	s.Require().NoError(coll.Save([]record{{Name: "first"}}))
	s.Require().NoError(coll.Save([]record{{Name: "second"}}))

	backup, err := os.ReadFile(s.path + ".bak")
	s.Require().NoError(err)

	var records []record
	s.Require().NoError(json.Unmarshal(backup, &records))
	s.Require().Len(records, 1)
	s.Equal("first", records[0].Name)
}

func (s *StoreTestSuite) TestMigrationRewritesFile() {
	legacy := `[{"name": "a", "value": 0, "legacy_value": 7}]`
	s.Require().NoError(os.WriteFile(s.path, []byte(legacy), 0o600))

	migrate := func(raw json.RawMessage) (record, bool, error) {
		var rec struct {
			record
			LegacyValue int `json:"legacy_value"`
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return record{}, false, err
		}
		if rec.LegacyValue != 0 && rec.Value == 0 {
			rec.record.Value = rec.LegacyValue
			return rec.record, true, nil
		}
		return rec.record, false, nil
	}

	coll := New[record](s.path, logger.Nop(), WithMigration[record](migrate))

	records, err := coll.Load()
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(7, records[0].Value)

	// The file was rewritten in the current schema.
	data, err := os.ReadFile(s.path)
	s.Require().NoError(err)
	s.NotContains(string(data), "legacy_value")

	reloaded, err := coll.Load()
	s.Require().NoError(err)
	s.Equal(records, reloaded)
}

func (s *StoreTestSuite) TestMigrationErrorQuarantines() {
	s.Require().NoError(os.WriteFile(s.path, []byte(`[{"name": "a"}]`), 0o600))

	migrate := func(json.RawMessage) (record, bool, error) {
		return record{}, false, os.ErrInvalid
	}

	coll := New[record](s.path, logger.Nop(), WithMigration[record](migrate))
	records, err := coll.Load()
	s.NoError(err)
	s.Empty(records)

	backups, err := filepath.Glob(s.path + ".bak.*")
	s.Require().NoError(err)
	s.Len(backups, 1)
}
