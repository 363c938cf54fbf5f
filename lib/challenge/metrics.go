package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var IssuedDifficulty = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "bastet_issued_difficulty_bits",
	Help:    "The difficulty of issued challenges (leading zero bits)",
	Buckets: prometheus.LinearBuckets(0, 4, 9),
})
