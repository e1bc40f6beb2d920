package octopus

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Licence is a counted floating token pool for one product name.
type Licence struct {
	Name string
	Max  int
	Used int

	// usedBy tracks which command holds each token, for release on
	// completion and for introspection.
	usedBy map[int64]*structs.Command
}

// LicenceInfo is the read-only view served over the API.
type LicenceInfo struct {
	Name     string  `json:"name"`
	Max      int     `json:"maxNumber"`
	Used     int     `json:"usedNumber"`
	UsedBy   []int64 `json:"usedBy"`
	Exceeded bool    `json:"exceeded"`
}

// LicenceManager owns the licence counters. It is only touched from the
// dispatcher goroutine, so it carries no lock.
type LicenceManager struct {
	logger   hclog.Logger
	licences map[string]*Licence
}

func NewLicenceManager(logger hclog.Logger) *LicenceManager {
	return &LicenceManager{
		logger:   logger.Named("licences"),
		licences: make(map[string]*Licence),
	}
}

// Load parses "name max" lines, one licence per line. Blank lines and
// #-comments are skipped. Counters of already-known names are resized
// without dropping current reservations.
func (lm *LicenceManager) Load(r *bufio.Scanner) error {
	line := 0
	for r.Scan() {
		line++
		text := strings.TrimSpace(r.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return fmt.Errorf("licence line %d: expected \"name max\", got %q", line, text)
		}
		max, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("licence line %d: bad max %q: %w", line, fields[1], err)
		}
		lm.Set(fields[0], max)
	}
	return r.Err()
}

// Set creates or resizes a licence. Shrinking below the used count is
// allowed; excess reservations drain as their commands finish.
func (lm *LicenceManager) Set(name string, max int) {
	lic, ok := lm.licences[name]
	if !ok {
		lic = &Licence{Name: name, usedBy: make(map[int64]*structs.Command)}
		lm.licences[name] = lic
	}
	lic.Max = max
}

// Reserve takes one token of name for cmd. The empty name always succeeds:
// the task needs no licence. Reserving an unknown name fails so a typo
// never dispatches unlicensed work.
func (lm *LicenceManager) Reserve(name string, cmd *structs.Command) bool {
	if name == "" {
		return true
	}
	lic, ok := lm.licences[name]
	if !ok {
		lm.logger.Warn("reservation against unknown licence", "licence", name, "command_id", cmd.ID)
		return false
	}
	if _, held := lic.usedBy[cmd.ID]; held {
		return true
	}
	if lic.Used >= lic.Max {
		return false
	}
	lic.Used++
	lic.usedBy[cmd.ID] = cmd
	return true
}

// Recover records a token already held by a command restored RUNNING, even
// above the counter's max: the work is on a worker whether or not the
// counter agrees, and any excess drains as commands finish. Unknown names
// get a zero-max counter that a later Load resizes in place.
func (lm *LicenceManager) Recover(name string, cmd *structs.Command) {
	if name == "" {
		return
	}
	lic, ok := lm.licences[name]
	if !ok {
		lic = &Licence{Name: name, usedBy: make(map[int64]*structs.Command)}
		lm.licences[name] = lic
	}
	if _, held := lic.usedBy[cmd.ID]; held {
		return
	}
	lic.Used++
	lic.usedBy[cmd.ID] = cmd
}

// Release returns cmd's token of name, if it holds one.
func (lm *LicenceManager) Release(name string, cmd *structs.Command) {
	if name == "" {
		return
	}
	lic, ok := lm.licences[name]
	if !ok {
		return
	}
	if _, held := lic.usedBy[cmd.ID]; !held {
		return
	}
	delete(lic.usedBy, cmd.ID)
	lic.Used--
}

// List reports all licences sorted by name.
func (lm *LicenceManager) List() []*LicenceInfo {
	out := make([]*LicenceInfo, 0, len(lm.licences))
	for _, lic := range lm.licences {
		info := &LicenceInfo{
			Name:     lic.Name,
			Max:      lic.Max,
			Used:     lic.Used,
			Exceeded: lic.Used > lic.Max,
		}
		for id := range lic.usedBy {
			info.UsedBy = append(info.UsedBy, id)
		}
		sort.Slice(info.UsedBy, func(i, j int) bool { return info.UsedBy[i] < info.UsedBy[j] })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
