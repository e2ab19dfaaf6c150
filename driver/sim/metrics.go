package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var allocatedBytesGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "kdispatch_device_allocated_bytes",
		Help: "Bytes of simulated device memory currently allocated, by driver instance and device.",
	},
	[]string{"driver", "device"},
)
