package service

import (
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Revision  string `json:"revision"`
	Module    string `json:"module"`
	Version   string `json:"version"`
}

// MustRegisterMetrics will register all metrics on the given registry.
func MustRegisterMetrics(registry *prometheus.Registry) {
	registry.MustRegister(buildInfo)
}

// ReadBuildInfo reads the build information embedded in the binary.
// Unknown values are "undefined".
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{
		GoVersion: "undefined",
		Revision:  "undefined",
		Module:    "undefined",
		Version:   "undefined",
	}
	goBuildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = goBuildInfo.GoVersion
	if goBuildInfo.Main.Path != "" {
		info.Module = goBuildInfo.Main.Path
	}
	if goBuildInfo.Main.Version != "" {
		info.Version = goBuildInfo.Main.Version
	}
	for _, buildSetting := range goBuildInfo.Settings {
		if buildSetting.Key == "vcs.revision" {
			info.Revision = buildSetting.Value
		}
	}
	return info
}

// SampleBuildInfo creates a sample of the service_build_info metric for the named service.
// Since it is a gauge it needs to be set only once on the service startup.
func SampleBuildInfo(name string) BuildInfo {
	info := ReadBuildInfo()
	labels := prometheus.Labels{
		"service":   name,
		"goversion": info.GoVersion,
		"revision":  info.Revision,
		"version":   info.Version,
	}
	buildInfo.With(labels).Set(1.0)
	return info
}

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "service_build_info",
			Help: "Build information of the service",
		},
		[]string{"service", "revision", "goversion", "version"},
	)
)
