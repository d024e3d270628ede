package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// expPrefix prefixes every experiment directory name.
const expPrefix = "exp_"

// Experiments numbers experiment directories under Root/<model>/exp_<N>.
//
// NextID only reads the filesystem. Two processes asking for an id before either
// creates its directory get the same answer; nothing here prevents that.
type Experiments struct {
	Root string
}

// NewExperiments returns a registry rooted at root.
func NewExperiments(root string) *Experiments {
	return &Experiments{Root: root}
}

// ModelDir returns the directory holding every experiment of model.
func (e *Experiments) ModelDir(model string) string {
	return filepath.Join(e.Root, model)
}

// Dir returns the directory of experiment id of model.
func (e *Experiments) Dir(model string, id int) string {
	return filepath.Join(e.Root, model, expPrefix+strconv.Itoa(id))
}

// NextID returns one more than the number of existing exp_* directories of model.
func (e *Experiments) NextID(model string) (int, error) {
	entries, err := e.entries(model)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), expPrefix) {
			count++
		}
	}
	return count + 1, nil
}

// List returns the ids of model's experiment directories in ascending order.
// Directories whose suffix is not a positive integer are skipped.
func (e *Experiments) List(model string) ([]int, error) {
	entries, err := e.entries(model)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if id, ok := parseID(entry); ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// Latest returns the highest experiment id of model.
func (e *Experiments) Latest(model string) (int, error) {
	ids, err := e.List(model)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no experiments for %s under %s", ErrCheckpointNotFound, model, e.Root)
	}
	return ids[len(ids)-1], nil
}

// Models returns the model names that have an experiment directory.
func (e *Experiments) Models() ([]string, error) {
	entries, err := os.ReadDir(e.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read results root: %w", err)
	}
	var models []string
	for _, entry := range entries {
		if entry.IsDir() {
			models = append(models, entry.Name())
		}
	}
	return models, nil
}

func (e *Experiments) entries(model string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(e.ModelDir(model))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read experiments of %s: %w", model, err)
	}
	return entries, nil
}

func parseID(entry os.DirEntry) (int, bool) {
	if !entry.IsDir() {
		return 0, false
	}
	return ParseDirName(entry.Name())
}

// ParseDirName returns the id of an experiment directory name such as "exp_3".
func ParseDirName(name string) (int, bool) {
	if !strings.HasPrefix(name, expPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(name, expPrefix))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
