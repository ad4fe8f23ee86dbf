package snapshot

import (
	"fmt"
	"strings"

	"ross/internal/rerrors"
)

// overlayMountSpec builds the overlayfs mount description for a snapshot.
// parent chain is ordered immediate-parent-first (index.chain's order);
// info.Kind must already be set on the snapshot being described.
func overlayMountSpec(s *Snapshotter, key string, info *Info, parentChain []*Info) ([]Mount, error) {
	if len(parentChain) == 0 {
		return []Mount{{
			Type:    "bind",
			Source:  s.fsDir(key),
			Options: []string{"rw", "rbind"},
		}}, nil
	}

	lowerDirs := make([]string, len(parentChain))
	for i, parent := range parentChain {
		lowerDirs[i] = s.fsDir(parent.Key)
	}

	options := []string{"lowerdir=" + strings.Join(lowerDirs, ":")}
	if info.Kind == KindActive {
		options = append(options, "upperdir="+s.fsDir(key), "workdir="+s.workDir(key))
	}

	return []Mount{{
		Type:    "overlay",
		Source:  "overlay",
		Options: options,
	}}, nil
}

func validateParentCommitted(parent *Info) error {
	if parent.Kind != KindCommitted {
		return fmt.Errorf("%w: %s", rerrors.ErrParentNotCommitted, parent.Key)
	}
	return nil
}
