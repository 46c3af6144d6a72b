package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type entry struct {
	Key       string     `gorm:"column:kv_key;primaryKey;size:191"`
	Value     string     `gorm:"column:kv_value;type:text"`
	ExpiresAt *time.Time `gorm:"index"`
	Version   int64      `gorm:"not null;default:1"`
}

func (entry) TableName() string {
	return "kv_entries"
}

func (e *entry) live(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

type member struct {
	SetKey string `gorm:"column:set_key;primaryKey;size:191"`
	Member string `gorm:"column:member;primaryKey;size:191"`
}

func (member) TableName() string {
	return "kv_members"
}

// SQLStore 用一张 gorm 表模拟键值存储，sqlite 为嵌入式部署，mysql 为共享部署
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&entry{}, &member{}); err != nil {
		return nil, fmt.Errorf("migrate kv tables: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	var e entry
	err := s.db.WithContext(ctx).Where("kv_key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sql get %s: %w", key, err)
	}
	if !e.live(time.Now()) {
		return "", ErrNotFound
	}
	return e.Value, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	e := entry{Key: key, Value: value, ExpiresAt: expiry(time.Now(), ttl), Version: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"kv_value":   e.Value,
			"expires_at": e.ExpiresAt,
			"version":    gorm.Expr("version + 1"),
		}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("sql set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("kv_key IN ?", keys).Delete(&entry{}).Error; err != nil {
			return fmt.Errorf("sql delete: %w", err)
		}
		if err := tx.Where("set_key IN ?", keys).Delete(&member{}).Error; err != nil {
			return fmt.Errorf("sql delete sets: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	var (
		result      int64
		incremented bool
	)
	err := s.cas(ctx, key, ttl, false, func(cur string, exists bool) (string, error) {
		n := int64(0)
		if exists {
			parsed, err := strconv.ParseInt(cur, 10, 64)
			if err != nil {
				return "", fmt.Errorf("sql incr %s: value is not an integer", key)
			}
			n = parsed
		}
		if limit > 0 && n >= limit {
			result, incremented = n, false
			return "", errSkipWrite
		}
		result, incremented = n+1, true
		return strconv.FormatInt(n+1, 10), nil
	})
	if err != nil {
		return 0, false, err
	}
	return result, incremented, nil
}

func (s *SQLStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	return s.cas(ctx, key, ttl, true, fn)
}

// errSkipWrite 让 cas 在不写入的情况下成功返回
var errSkipWrite = errors.New("kv: skip write")

// cas 以 version 列做乐观并发控制；refreshTTL=false 时只在新建键时设置过期时间
func (s *SQLStore) cas(ctx context.Context, key string, ttl time.Duration, refreshTTL bool, fn UpdateFunc) error {
	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		now := time.Now()

		var e entry
		err := db.Where("kv_key = ?", key).First(&e).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("sql get %s: %w", key, err)
		}
		live := found && e.live(now)

		cur := ""
		if live {
			cur = e.Value
		}
		next, err := fn(cur, live)
		if errors.Is(err, errSkipWrite) {
			return nil
		}
		if err != nil {
			return err
		}

		if !found {
			res := db.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&entry{Key: key, Value: next, ExpiresAt: expiry(now, ttl), Version: 1})
			if res.Error != nil {
				return fmt.Errorf("sql insert %s: %w", key, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			return nil
		}

		fields := map[string]interface{}{
			"kv_value": next,
			"version":  e.Version + 1,
		}
		if refreshTTL || !live {
			fields["expires_at"] = expiry(now, ttl)
		}
		res := db.Model(&entry{}).
			Where("kv_key = ? AND version = ?", key, e.Version).
			Updates(fields)
		if res.Error != nil {
			return fmt.Errorf("sql update %s: %w", key, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		return nil
	}
	return ErrConflict
}

func (s *SQLStore) SAdd(ctx context.Context, set, m string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&member{SetKey: set, Member: m}).Error
	if err != nil {
		return fmt.Errorf("sql sadd %s: %w", set, err)
	}
	return nil
}

func (s *SQLStore) SRem(ctx context.Context, set, m string) error {
	err := s.db.WithContext(ctx).
		Where("set_key = ? AND member = ?", set, m).
		Delete(&member{}).Error
	if err != nil {
		return fmt.Errorf("sql srem %s: %w", set, err)
	}
	return nil
}

func (s *SQLStore) SMembers(ctx context.Context, set string) ([]string, error) {
	var members []string
	err := s.db.WithContext(ctx).Model(&member{}).
		Where("set_key = ?", set).
		Order("member").
		Pluck("member", &members).Error
	if err != nil {
		return nil, fmt.Errorf("sql smembers %s: %w", set, err)
	}
	return members, nil
}

// PurgeExpired 删除已过期的键，由定时任务调用
func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now()).
		Delete(&entry{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
