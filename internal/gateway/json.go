package gateway

import "github.com/openttd/wsrelay/internal/coordinator"

// serverRecordJSON shapes a coordinator.ServerRecord into the snake_case
// wire format of spec §6.
type serverRecordJSON struct {
	ConnectionString  string   `json:"connection_string"`
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ClientsOn         uint8    `json:"clients_on"`
	ClientsMax        uint8    `json:"clients_max"`
	CompaniesOn       *uint8   `json:"companies_on,omitempty"`
	CompaniesMax      *uint8   `json:"companies_max,omitempty"`
	SpectatorsOn      uint8    `json:"spectators_on"`
	MapWidth          uint16   `json:"map_width"`
	MapHeight         uint16   `json:"map_height"`
	Landscape         string   `json:"landscape"`
	Password          bool     `json:"password"`
	Dedicated         bool     `json:"dedicated"`
	CalendarDate      *int32   `json:"calendar_date,omitempty"`
	CalendarStart     *int32   `json:"calendar_start,omitempty"`
	TicksPlaying      *uint64  `json:"ticks_playing,omitempty"`
	GamescriptName    *string  `json:"gamescript_name,omitempty"`
	GamescriptVersion *int32   `json:"gamescript_version,omitempty"`
	Newgrfs           []string `json:"newgrfs"`
}

func toServerRecordJSON(r coordinator.ServerRecord) serverRecordJSON {
	newgrfs := r.Newgrfs
	if newgrfs == nil {
		newgrfs = []string{}
	}
	return serverRecordJSON{
		ConnectionString:  r.ConnectionString,
		Name:              r.Name,
		Version:           r.Version,
		ClientsOn:         r.ClientsOn,
		ClientsMax:        r.ClientsMax,
		CompaniesOn:       r.CompaniesOn,
		CompaniesMax:      r.CompaniesMax,
		SpectatorsOn:      r.SpectatorsOn,
		MapWidth:          r.MapWidth,
		MapHeight:         r.MapHeight,
		Landscape:         r.Landscape.String(),
		Password:          r.Password,
		Dedicated:         r.Dedicated,
		CalendarDate:      r.CalendarDate,
		CalendarStart:     r.CalendarStart,
		TicksPlaying:      r.TicksPlaying,
		GamescriptName:    r.GamescriptName,
		GamescriptVersion: r.GamescriptVersion,
		Newgrfs:           newgrfs,
	}
}

// resolveJSON shapes a coordinator.InviteResult per spec §6.
type resolveJSON struct {
	Hostname string `json:"hostname"`
	Port     uint16 `json:"port"`
	Type     string `json:"type"`
	Ticket   string `json:"ticket,omitempty"`
}

func toResolveJSON(r coordinator.InviteResult) resolveJSON {
	out := resolveJSON{Hostname: r.Host, Port: r.Port}
	if r.Kind == coordinator.InviteRelay {
		out.Type = "relay"
		out.Ticket = r.Ticket
	} else {
		out.Type = "direct"
	}
	return out
}
