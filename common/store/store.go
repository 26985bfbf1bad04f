package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cam-gateway/common"
	"cam-gateway/common/config"
	"cam-gateway/common/log"
)

var (
	dataDir  = config.DataDir
	dataFile = config.DataFile
)

// SetDataFile points persistence at a different location. Tests use this to
// keep their writes inside temp directories.
func SetDataFile(path string) {
	dataDir = filepath.Dir(path)
	dataFile = path
}

// CameraRecord is the persisted form of a registered camera: its descriptor
// plus the flags needed to restore streams across gateway restarts.
type CameraRecord struct {
	Descriptor common.CameraDescriptor `json:"descriptor"`
	Enabled    bool                    `json:"enabled"`
	Running    bool                    `json:"running"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

type DataStore struct {
	Cameras map[string]*CameraRecord `json:"cameras"`
}

// Global data store
var Data = &DataStore{
	Cameras: make(map[string]*CameraRecord),
}

// Global mutex to protect dataStore concurrent access
var dataStoreMutex sync.RWMutex

// Thread-safe helper functions
func SafeGetCamera(id string) (*CameraRecord, bool) {
	dataStoreMutex.RLock()
	defer dataStoreMutex.RUnlock()
	record, exists := Data.Cameras[id]
	return record, exists
}

func SafeUpdateDataStore(fn func()) {
	dataStoreMutex.Lock()
	defer dataStoreMutex.Unlock()
	fn()
}

func SafeReadDataStore(fn func()) {
	dataStoreMutex.RLock()
	defer dataStoreMutex.RUnlock()
	fn()
}

// LoadDataStore reads persisted camera records from disk.
func LoadDataStore() error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	data, err := os.ReadFile(dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("data file not found, starting with empty store")
			return nil
		}
		return fmt.Errorf("failed to read data file: %v", err)
	}

	var tempStore DataStore
	if err := json.Unmarshal(data, &tempStore); err != nil {
		return fmt.Errorf("failed to parse data file: %v", err)
	}

	SafeUpdateDataStore(func() {
		*Data = tempStore
		if Data.Cameras == nil {
			Data.Cameras = make(map[string]*CameraRecord)
		}
	})

	var count int
	SafeReadDataStore(func() {
		count = len(Data.Cameras)
	})

	log.Info(fmt.Sprintf("loaded %d cameras from storage", count))
	return nil
}

// SaveDataStore writes the current camera records to disk.
func SaveDataStore() error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %v", err)
	}

	var data []byte
	var err error
	var count int
	SafeReadDataStore(func() {
		data, err = json.MarshalIndent(Data, "", "  ")
		count = len(Data.Cameras)
	})

	if err != nil {
		return fmt.Errorf("failed to marshal data: %v", err)
	}

	if err := os.WriteFile(dataFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %v", err)
	}

	log.Info(fmt.Sprintf("saved data store with %d cameras", count))
	return nil
}
