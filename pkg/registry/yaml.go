package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scottdkey/halvor/pkg/types"
)

// fileRecord is the on-disk shape of one host entry in the hosts file.
type fileRecord struct {
	Identifier      string `yaml:"identifier"`
	UnderlayIP      string `yaml:"underlay_ip"`
	OverlayHostname string `yaml:"overlay_hostname"`
	Privilege       *struct {
		Password   string `yaml:"password"`
		SudoTarget string `yaml:"sudo_target"`
	} `yaml:"privilege"`
}

type fileDoc struct {
	Hosts []fileRecord `yaml:"hosts"`
}

// LoadRecords reads the operator-maintained hosts file at path and
// returns the Records it names. A missing file is not an error - it
// reads as "no configured hosts", since the registry may be populated
// entirely by HOST_<NAME>_IP overrides in small setups.
func LoadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hosts file %s: %w", path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}

	records := make([]Record, 0, len(doc.Hosts))
	for _, h := range doc.Hosts {
		rec := Record{
			Identifier:      h.Identifier,
			UnderlayIP:      h.UnderlayIP,
			OverlayHostname: h.OverlayHostname,
		}
		if h.Privilege != nil {
			rec.Privilege = &types.PrivilegeMaterial{
				Password:   h.Privilege.Password,
				SudoTarget: h.Privilege.SudoTarget,
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
