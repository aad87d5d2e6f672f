package twin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // for the postgres database
	"k8s.io/utils/clock"

	"github.com/relabs-tech/dmpatterns/core/csql"
	"github.com/relabs-tech/dmpatterns/core/logger"
)

// PostgresStore is the hub's persistent Store. Each device has one row in the
// system table "_twin_".
type PostgresStore struct {
	db    *csql.DB
	clock clock.PassiveClock
}

// NewPostgresStore returns a store on db and creates the twin table if it does not
// exist yet
func NewPostgresStore(db *csql.DB) *PostgresStore {
	if db == nil {
		panic("DB is missing")
	}
	CreateTwinTableIfNotExists(db)
	return &PostgresStore{db: db, clock: clock.RealClock{}}
}

// CreateTwinTableIfNotExists creates the SQL table for the device twin.
// The twin table is a system table and named "_twin_".
func CreateTwinTableIfNotExists(db *csql.DB) {
	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_twin_"
(device_id varchar NOT NULL,
reported jsonb NOT NULL,
version bigint NOT NULL,
reported_at timestamp NOT NULL,
PRIMARY KEY(device_id)
);`)

	if err != nil {
		panic(err)
	}
}

// UpdateReported implements ReportedUpdater. The merge happens inside a transaction
// holding the device's row lock, so concurrent patches are serialized.
func (s *PostgresStore) UpdateReported(ctx context.Context, deviceID string, patch Properties) (version int64, err error) {
	if len(deviceID) == 0 {
		return 0, errors.New("device id is missing")
	}
	if patch == nil {
		return 0, ErrInvalidPatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	never := time.Time{}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`."_twin_"(device_id,reported,version,reported_at)
VALUES($1,'{}'::jsonb,0,$2) ON CONFLICT (device_id) DO NOTHING;`, deviceID, never)
	if err != nil {
		return 0, fmt.Errorf("cannot create twin for %s: %w", deviceID, err)
	}

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT reported, version FROM `+s.db.Schema+`."_twin_" WHERE device_id=$1 FOR UPDATE;`,
		deviceID).Scan(&raw, &version)
	if err != nil {
		return 0, fmt.Errorf("cannot lock twin for %s: %w", deviceID, err)
	}
	var reported Properties
	if err = json.Unmarshal(raw, &reported); err != nil {
		return 0, fmt.Errorf("corrupt twin for %s: %w", deviceID, err)
	}

	merged := reported.Merge(patch)
	body, err := json.Marshal(merged)
	if err != nil {
		return 0, err
	}
	version++
	now := s.clock.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`."_twin_" SET reported=$2, version=$3, reported_at=$4 WHERE device_id=$1;`,
		deviceID, string(body), version, now)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	logger.FromContext(ctx).Debugf("twin of %s now at version %d", deviceID, version)
	return version, nil
}

// Reported implements ReportedReader
func (s *PostgresStore) Reported(ctx context.Context, deviceID string) (Document, error) {
	doc := Document{DeviceID: deviceID, Reported: Properties{}}
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT reported, version, reported_at FROM `+s.db.Schema+`."_twin_" WHERE device_id=$1;`,
		deviceID).Scan(&raw, &doc.Version, &doc.ReportedAt)
	if err == csql.ErrNoRows {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if err = json.Unmarshal(raw, &doc.Reported); err != nil {
		return doc, fmt.Errorf("corrupt twin for %s: %w", deviceID, err)
	}
	doc.ReportedAt = doc.ReportedAt.UTC()
	return doc, nil
}
