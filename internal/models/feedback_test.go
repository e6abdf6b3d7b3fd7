package models

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Feedback{}))
	return db
}

func TestListFeedbackOrdersByRecency(t *testing.T) {
	db := testDB(t)

	base := time.Now().Add(-time.Hour)
	for i, rating := range []int{3, 5, 1} {
		rec := Feedback{
			ChannelID:   "C1",
			ThreadTS:    fmt.Sprintf("%d.0", i),
			UserID:      fmt.Sprintf("U%d", i),
			Rating:      rating,
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(&rec).Error)
	}

	records, err := ListFeedback(db)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "U2", records[0].UserID)
	assert.Equal(t, "U0", records[2].UserID)
}

func TestCountFeedbackForThread(t *testing.T) {
	db := testDB(t)

	records := []Feedback{
		{ChannelID: "C1", ThreadTS: "1.1", UserID: "U1", Rating: 4, SubmittedAt: time.Now()},
		{ChannelID: "C1", ThreadTS: "1.1", UserID: "U2", Rating: 2, SubmittedAt: time.Now()},
		{ChannelID: "C1", ThreadTS: "2.2", UserID: "U1", Rating: 5, SubmittedAt: time.Now()},
	}
	for i := range records {
		require.NoError(t, db.Create(&records[i]).Error)
	}

	count, err := CountFeedbackForThread(db, "U1", "1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = CountFeedbackForThread(db, "U3", "1.1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
