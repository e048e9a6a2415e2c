package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CameraConfig is one row of the per-camera resolution/fps/quality table.
type CameraConfig struct {
	ID      uint32 `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Device  string `yaml:"device" json:"device"` // device index ("0") or stream URL
	Width   int    `yaml:"width" json:"width"`
	Height  int    `yaml:"height" json:"height"`
	FPS     int    `yaml:"fps" json:"fps"`
	Quality int    `yaml:"quality" json:"quality"`
}

type cameraTable struct {
	Cameras []CameraConfig `yaml:"cameras"`
}

// DefaultCameras is used when no camera table is configured.
func DefaultCameras() []CameraConfig {
	return []CameraConfig{
		{ID: 0, Name: "front", Device: "0", Width: 640, Height: 480, FPS: 15, Quality: 80},
	}
}

// LoadCameras loads the table named by CameraConfigPath, if one is set.
// The caller decides how to fail; the camera gateway treats an error as
// fatal whether the path came from CAMERA_CONFIG or --camera-config.
func (c *Config) LoadCameras() error {
	if c.CameraConfigPath == "" {
		return nil
	}
	return c.LoadCameraTable(c.CameraConfigPath)
}

// LoadCameraTable replaces c.Cameras with the table in the YAML file at path.
//
//	cameras:
//	  - id: 0
//	    name: front
//	    device: "0"
//	    width: 640
//	    height: 480
//	    fps: 15
//	    quality: 80
func (c *Config) LoadCameraTable(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read camera table: %w", err)
	}
	cameras, err := ParseCameraTable(raw)
	if err != nil {
		return err
	}
	c.Cameras = cameras
	c.CameraConfigPath = path
	return nil
}

// ParseCameraTable decodes and validates a YAML camera table.
func ParseCameraTable(raw []byte) ([]CameraConfig, error) {
	var table cameraTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse camera table: %w", err)
	}
	if len(table.Cameras) == 0 {
		return nil, fmt.Errorf("camera table has no cameras")
	}

	seen := make(map[uint32]bool, len(table.Cameras))
	for i := range table.Cameras {
		cam := &table.Cameras[i]
		if seen[cam.ID] {
			return nil, fmt.Errorf("duplicate camera id %d", cam.ID)
		}
		seen[cam.ID] = true
		cam.applyDefaults()
	}
	return table.Cameras, nil
}

func (cam *CameraConfig) applyDefaults() {
	if cam.Name == "" {
		cam.Name = fmt.Sprintf("camera-%d", cam.ID)
	}
	if cam.Device == "" {
		cam.Device = fmt.Sprintf("%d", cam.ID)
	}
	if cam.Width <= 0 {
		cam.Width = 640
	}
	if cam.Height <= 0 {
		cam.Height = 480
	}
	if cam.FPS <= 0 {
		cam.FPS = 15
	}
	if cam.Quality <= 0 || cam.Quality > 100 {
		cam.Quality = 80
	}
}
