package proc

import (
	"regexp"
)

// containerIDPattern matches the 64-hex container id embedded in docker, containerd,
// cri-o and ECS cgroup paths.
var containerIDPattern = regexp.MustCompile(`[a-f0-9]{64}`)

// ContainerID returns the container id of the process, or "" when it runs on the host.
func (p *Process) ContainerID() (string, error) {
	cgs, err := p.Cgroups()
	if err != nil {
		return "", err
	}
	for _, cg := range cgs {
		if ids := containerIDPattern.FindAllString(cg.Path, -1); len(ids) > 0 {
			return ids[len(ids)-1], nil
		}
	}
	return "", nil
}
