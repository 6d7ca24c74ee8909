package dbclient

import (
	"sync"
)

type HealthCheckStats struct {
	Count           uint64
	ErrorCount      int64
	LatestErrorInfo string
	Status          string
}

// HealthCheckService folds the results of periodic idle-connection
// validation rounds into a healthy/unhealthy verdict for one pool.
type HealthCheckService struct {
	mu                sync.Mutex
	healthThreshold   int64
	unhealthThreshold int64
	Stats             *HealthCheckStats
}

const (
	HealthCheckHealthyStatus   = "healthy"
	HealthCheckUnhealthyStatus = "unhealthy"
)

// NewHealthCheckService create new HealthCheckService.
// Non-positive thresholds fall back to 5 (recover) and 3 (fail).
func NewHealthCheckService(healthThreshold, unhealthThreshold int64) *HealthCheckService {
	if healthThreshold <= 0 {
		healthThreshold = DefaultHealthThreshold
	}
	if unhealthThreshold <= 0 {
		unhealthThreshold = DefaultUnhealthThreshold
	}
	return &HealthCheckService{
		healthThreshold:   healthThreshold,
		unhealthThreshold: unhealthThreshold,
		Stats:             &HealthCheckStats{Status: HealthCheckHealthyStatus},
	}
}

// IsHealth return health check result
func (hcs *HealthCheckService) IsHealth() bool {
	hcs.mu.Lock()
	defer hcs.mu.Unlock()
	return hcs.isHealthLocked()
}

func (hcs *HealthCheckService) isHealthLocked() bool {
	if hcs.Stats.ErrorCount > hcs.unhealthThreshold {
		return false
	}
	// from unhealth to health
	if hcs.Stats.ErrorCount < 0 {
		return false
	}
	return true
}

// HealthDetailInfo return the latest failure reason
func (hcs *HealthCheckService) HealthDetailInfo() string {
	hcs.mu.Lock()
	defer hcs.mu.Unlock()
	return hcs.Stats.LatestErrorInfo
}

// HealthCheckStats return a copy of the stats
func (hcs *HealthCheckService) HealthCheckStats() HealthCheckStats {
	hcs.mu.Lock()
	defer hcs.mu.Unlock()
	return *hcs.Stats
}

// RecordResult feeds one validation round into the counters.
func (hcs *HealthCheckService) RecordResult(ok bool, info string) {
	//         unhealth    |    health    unhealth
	// ____________________0____________x______________->
	//-                           UnhealthThreshold     +
	// ErrorCount == 0 is health
	// 0 < ErrorCount <= UnhealthThreshold is health
	// ErrorCount > UnhealthThreshold is unhealth
	// ErrorCount < 0 is unhealth
	hcs.mu.Lock()
	defer hcs.mu.Unlock()

	hcs.Stats.Count++
	if !ok {
		// already in unhealth, reset
		if hcs.Stats.ErrorCount < 0 {
			hcs.Stats.ErrorCount = -hcs.healthThreshold
		} else {
			hcs.Stats.ErrorCount++
			if hcs.Stats.ErrorCount > hcs.unhealthThreshold {
				// in unhealth
				hcs.Stats.ErrorCount = -hcs.healthThreshold
			}
		}
		hcs.Stats.LatestErrorInfo = info
	} else {
		// from unhealth to health
		if hcs.Stats.ErrorCount < 0 {
			hcs.Stats.ErrorCount++
		} else {
			hcs.Stats.ErrorCount = 0 //health, reset
			hcs.Stats.LatestErrorInfo = ""
		}
	}

	if hcs.isHealthLocked() {
		hcs.Stats.Status = HealthCheckHealthyStatus
	} else {
		hcs.Stats.Status = HealthCheckUnhealthyStatus
	}
}

func (hcs *HealthCheckService) ClearStats() {
	hcs.mu.Lock()
	defer hcs.mu.Unlock()
	hcs.Stats.Count = 0
	hcs.Stats.ErrorCount = 0
	hcs.Stats.LatestErrorInfo = ""
	hcs.Stats.Status = HealthCheckHealthyStatus
}
