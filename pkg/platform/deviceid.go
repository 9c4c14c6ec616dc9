package platform

import (
	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

const appID = "icnn"

// DeviceID retrieves the ID identifying the device, derived from the
// machine ID without exposing it.
func DeviceID() string {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		glog.Warningf("machine ID: %v", err)
		return "unknown"
	}
	return id[:16]
}
