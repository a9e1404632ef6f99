package stores

import (
	"collab-relay/config"
	"collab-relay/core"
	"collab-relay/stores/memory"
	"collab-relay/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// GetStore returns the room activity store selected by STORAGE_TYPE.
func GetStore(cfg *config.Config) (core.RoomRegistry, error) {
	var store core.RoomRegistry

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		s, err := sqlite.NewRoomStore(cfg.DataSourceName)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = memory.NewRoomStore()
		storageField["storageType"] = "in-memory"
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
