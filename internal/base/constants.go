package base

import "time"

const (
	ChunkSize            = 8192                   // Bytes read per iteration
	SpeedReportInterval  = 500 * time.Millisecond // Cadence of speed events
	SlowRetryDelay       = 3 * time.Second        // Backoff after a slow-speed abort
	TransportRetryDelay  = 5 * time.Second        // Backoff after a network error
	DefaultConcurrency   = 1
	DefaultMaxRetries    = 10
	DefaultTimeout       = 10 * time.Second
	DefaultSpeedLimit    = 10 * 1024 * 1024 // 10 MB/s
	DefaultMinSpeed      = 256 * 1024       // 256 KB/s
	DefaultMinSpeedCheck = 30 * time.Second
	DefaultDownloadDir   = "Downloads"
	MaxSegmentLength     = 100 // Runes per folder segment
	MaxFilenameLength    = 200
	UnnamedFile          = "unnamed_file"
)

// DefaultFileTypes are the extensions downloaded when the config names none.
var DefaultFileTypes = []string{"MP3", "MP4", "FLAC", "WAV", "JPG", "PNG", "PDF", "TXT", "VTT", "LRC"}
