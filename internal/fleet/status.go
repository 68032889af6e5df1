package fleet

import (
	"context"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Status is the fleet aggregate visible to one caller.
type Status struct {
	TotalDevices   int            `json:"totalDevices"`
	ActiveDevices  int            `json:"activeDevices"`
	Transmitting   int            `json:"transmittingDevices"`
	TotalGrants    int            `json:"totalGrants"`
	DevicesByState map[string]int `json:"devicesByState"`
	GrantsByState  map[string]int `json:"grantsByState"`
	// GrantsPerDevice averages active grants over registered devices.
	GrantsPerDevice float64 `json:"grantsPerDevice"`
}

// Status aggregates the last reported state of every device the caller may
// see. Active devices are those registered with the SAS; transmitting
// devices hold at least one AUTHORIZED grant.
func (f *Fleet) Status(_ context.Context, caller Caller) Status {
	out := Status{
		DevicesByState: make(map[string]int),
		GrantsByState:  make(map[string]int),
	}
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	for _, st := range f.stats {
		if !caller.System() && st.tenant != caller.TenantID {
			continue
		}
		out.TotalDevices++
		out.DevicesByState[string(st.state)]++
		if st.state.IsRegistered() {
			out.ActiveDevices++
		}
		authorized := false
		for _, gs := range st.grants {
			out.TotalGrants++
			out.GrantsByState[string(gs)]++
			if gs == model.GrantAuthorized {
				authorized = true
			}
		}
		if authorized {
			out.Transmitting++
		}
	}
	if out.ActiveDevices > 0 {
		out.GrantsPerDevice = float64(out.TotalGrants) / float64(out.ActiveDevices)
	}
	return out
}
