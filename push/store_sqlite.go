// Copyright 2021-2022 The sockroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package push

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"

	// SQLite driver
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS push_subscription (
	subscriber_id TEXT PRIMARY KEY,
	endpoint      TEXT NOT NULL,
	p256dh        TEXT NOT NULL,
	auth          TEXT NOT NULL,
	updated_at    INTEGER NOT NULL
)`

// sqliteSubscriptionStore implements SubscriptionStore on SQLite
type sqliteSubscriptionStore struct {
	common.Component
	db *sql.DB
}

// GetSQLiteSubscriptionStore define a SubscriptionStore backed by a SQLite database
func GetSQLiteSubscriptionStore(
	ctxt context.Context, dsn string,
) (SubscriptionStore, error) {
	logTags := log.Fields{
		"module": "push", "component": "sqlite-subscription-store", "instance": dsn,
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open database")
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctxt, sqliteSchema); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to prepare schema")
		_ = db.Close()
		return nil, err
	}
	return &sqliteSubscriptionStore{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

func (s *sqliteSubscriptionStore) Put(
	ctxt context.Context, subscriberID string, record SubscriptionRecord,
) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber ID can not be empty")
	}
	_, err := s.db.ExecContext(
		ctxt,
		`INSERT INTO push_subscription (subscriber_id, endpoint, p256dh, auth, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subscriber_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			updated_at = excluded.updated_at`,
		subscriberID, record.Endpoint, record.Keys.P256dh, record.Keys.Auth,
		time.Now().Unix(),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to store %s", subscriberID)
	}
	return err
}

func (s *sqliteSubscriptionStore) Get(
	ctxt context.Context, subscriberID string,
) (SubscriptionRecord, error) {
	var record SubscriptionRecord
	err := s.db.QueryRowContext(
		ctxt,
		`SELECT endpoint, p256dh, auth FROM push_subscription WHERE subscriber_id = ?`,
		subscriberID,
	).Scan(&record.Endpoint, &record.Keys.P256dh, &record.Keys.Auth)
	if errors.Is(err, sql.ErrNoRows) {
		return SubscriptionRecord{}, ErrSubscriptionNotFound
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to read %s", subscriberID)
		return SubscriptionRecord{}, err
	}
	return record, nil
}

func (s *sqliteSubscriptionStore) Delete(ctxt context.Context, subscriberID string) error {
	_, err := s.db.ExecContext(
		ctxt, `DELETE FROM push_subscription WHERE subscriber_id = ?`, subscriberID,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to delete %s", subscriberID)
	}
	return err
}

func (s *sqliteSubscriptionStore) List(
	ctxt context.Context,
) (map[string]SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(
		ctxt, `SELECT subscriber_id, endpoint, p256dh, auth FROM push_subscription`,
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to list subscriptions")
		return nil, err
	}
	defer rows.Close()
	result := map[string]SubscriptionRecord{}
	for rows.Next() {
		var id string
		var record SubscriptionRecord
		if err := rows.Scan(
			&id, &record.Endpoint, &record.Keys.P256dh, &record.Keys.Auth,
		); err != nil {
			return nil, err
		}
		result[id] = record
	}
	return result, rows.Err()
}

func (s *sqliteSubscriptionStore) Close() error {
	return s.db.Close()
}
