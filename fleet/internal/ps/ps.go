// Package ps parses `ps` output into process records.
package ps

import (
	"fmt"
	"strconv"
	"strings"

	"shellfleet/fleet"
)

// Columns is the `ps -o` column spec whose output Parse understands. The "="
// suffixes suppress the header line.
const Columns = "pid=,user=,stat=,args="

// Parse parses the output of `ps -e -o pid=,user=,stat=,args=`.
func Parse(out []byte) ([]fleet.ProcInfo, error) {
	var infos []fleet.ProcInfo
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parsing pid from line %q: %w", line, err)
		}
		infos = append(infos, fleet.ProcInfo{
			PID:  pid,
			User: fields[1],
			Stat: fields[2],
			Args: strings.Join(fields[3:], " "),
		})
	}
	return infos, nil
}
