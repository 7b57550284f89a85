// Package environ supplies the device and navigator descriptors attached to
// every record. Providers are read at report time, so values may change
// between records.
package environ

import (
	"maps"
	"os"
	"runtime"
	"strconv"
	"strings"
)

type Provider interface {
	Device() map[string]string
	Navigator() map[string]string
}

// Runtime describes the host process. UserAgent identifies the embedding
// application; an empty value falls back to "beacon".
type Runtime struct {
	UserAgent string
}

func (r Runtime) Device() map[string]string {
	host, _ := os.Hostname()
	return map[string]string{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"cpus":     strconv.Itoa(runtime.NumCPU()),
		"hostname": host,
	}
}

func (r Runtime) Navigator() map[string]string {
	ua := strings.TrimSpace(r.UserAgent)
	if ua == "" {
		ua = "beacon"
	}
	return map[string]string{
		"userAgent": ua,
		"language":  language(),
		"runtime":   runtime.Version(),
		"pid":       strconv.Itoa(os.Getpid()),
	}
}

// language follows the POSIX locale precedence.
func language() string {
	for _, k := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return "en-US"
}

// Static returns fixed descriptors. Maps are copied on every read.
type Static struct {
	DeviceInfo    map[string]string
	NavigatorInfo map[string]string
}

func (s Static) Device() map[string]string    { return maps.Clone(s.DeviceInfo) }
func (s Static) Navigator() map[string]string { return maps.Clone(s.NavigatorInfo) }
