// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistic (https://www.iotistic.io/).
// Copyright 2024-present Iotistic, Inc.

package store

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	bolt "go.etcd.io/bbolt"

	"github.com/iotistic/edge-agent/pkg/state"
)

type StoreTestSuite struct {
	suite.Suite
	s *Store
}

func (suite *StoreTestSuite) SetupTest() {
	var err error
	suite.s, err = Open(suite.T().TempDir())
	suite.Require().NoError(err)
}

func (suite *StoreTestSuite) TearDownTest() {
	suite.s.Close()
}

func (suite *StoreTestSuite) TestDeviceRoundTrip() {
	type identity struct {
		UUID   string `json:"uuid"`
		APIKey string `json:"api_key"`
	}

	var out identity
	found, err := suite.s.LoadDevice(&out)
	suite.NoError(err)
	suite.False(found)

	suite.NoError(suite.s.SaveDevice(identity{UUID: "u-1", APIKey: "k-1"}))
	found, err = suite.s.LoadDevice(&out)
	suite.NoError(err)
	suite.True(found)
	suite.Equal("u-1", out.UUID)

	suite.NoError(suite.s.DeleteDevice())
	found, _ = suite.s.LoadDevice(&out)
	suite.False(found)
}

func (suite *StoreTestSuite) TestTargetHistoryAndPrune() {
	for v := int64(1); v <= 15; v++ {
		target := state.TargetState{Version: v, Apps: map[int]state.App{}}
		suite.NoError(suite.s.SaveTarget(v, target))
	}

	var latest state.TargetState
	version, found, err := suite.s.LatestTarget(&latest)
	suite.NoError(err)
	suite.True(found)
	suite.Equal(int64(15), version)
	suite.Equal(int64(15), latest.Version)

	suite.NoError(suite.s.PruneTargets(10))
	suite.Equal(10, suite.targetCount())
	version, found, err = suite.s.LatestTarget(&latest)
	suite.NoError(err)
	suite.True(found)
	suite.Equal(int64(15), version, "prune keeps the most recent snapshots")

	suite.NoError(suite.s.PruneTargets(10))
	suite.Equal(10, suite.targetCount(), "prune below keep is a no-op")
}

func (suite *StoreTestSuite) targetCount() int {
	var n int
	suite.NoError(suite.s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketTargets).Stats().KeyN
		return nil
	}))
	return n
}

func (suite *StoreTestSuite) TestCurrentCache() {
	current := state.CurrentState{Apps: map[int]state.CurrentApp{
		1001: {AppID: 1001, AppName: "app"},
	}}
	suite.NoError(suite.s.SaveCurrent(current))

	var out state.CurrentState
	found, err := suite.s.LoadCurrent(&out)
	suite.NoError(err)
	suite.True(found)
	suite.Equal("app", out.Apps[1001].AppName)
}

func (suite *StoreTestSuite) TestMeta() {
	value, err := suite.s.GetMeta("etag")
	suite.NoError(err)
	suite.Empty(value)

	suite.NoError(suite.s.SetMeta("etag", `W/"abc"`))
	value, err = suite.s.GetMeta("etag")
	suite.NoError(err)
	suite.Equal(`W/"abc"`, value)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func TestOpenCreatesDir(t *testing.T) {
	dir := t.TempDir() + "/nested/data"
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
