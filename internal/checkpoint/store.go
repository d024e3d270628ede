package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ramonehamilton/forecast-experimenter/internal/device"
	"github.com/ramonehamilton/forecast-experimenter/internal/experiment"
)

// Artifact file names.
const (
	ScoresFile         = "scores.json"
	ModelFile          = "model.json"
	TrainerFile        = "trainer.json"
	BatchGeneratorFile = "batch_generator.json"
	ConfigFile         = "config.json"
	ManifestFile       = "manifest.json"
)

// ManifestVersion is the only manifest layout Load accepts.
const ManifestVersion = 1

// ErrCheckpointNotFound is returned when a directory holds no complete checkpoint.
var ErrCheckpointNotFound = errors.New("checkpoint: not found")

// ArtifactFiles lists the five bundle artifacts in write order.
var ArtifactFiles = []string{ScoresFile, ModelFile, TrainerFile, BatchGeneratorFile, ConfigFile}

// Artifact describes one file covered by the manifest.
type Artifact struct {
	Digest string `json:"blake2b_256"`
	Size   int64  `json:"size"`
}

// Manifest commits a checkpoint. It is written after all artifacts are in place.
// ExperimentID is taken from an exp_<N> directory name and is zero elsewhere;
// Generation is the selection generation of the saved combination.
type Manifest struct {
	Version      int                 `json:"version"`
	Model        string              `json:"model"`
	ExperimentID int                 `json:"experiment_id,omitempty"`
	Stage        string              `json:"stage"`
	Generation   int                 `json:"generation"`
	RunID        string              `json:"run_id,omitempty"`
	SavedAt      time.Time           `json:"saved_at"`
	Artifacts    map[string]Artifact `json:"artifacts"`
}

// modelEnvelope is the on-disk form of model.json.
type modelEnvelope struct {
	Name  string          `json:"name"`
	State json.RawMessage `json:"state"`
}

// Decoders rebuild the polymorphic parts of a bundle.
type Decoders struct {
	Model          func(name string, state []byte) (experiment.Model, error)
	Trainer        func(data []byte) (experiment.Trainer, error)
	BatchGenerator func(data []byte) (experiment.BatchGenerator, error)
}

// Store saves and loads checkpoint bundles.
type Store struct {
	decoders Decoders
	now      func() time.Time
}

// NewStore creates a store using d to decode loaded bundles.
func NewStore(d Decoders) *Store {
	return &Store{decoders: d, now: time.Now}
}

// Save writes b into dir, replacing any checkpoint already there.
//
// Every artifact is encoded before the directory is touched, so an encoding
// failure leaves the previous checkpoint loadable. The old manifest is then
// removed, so a crash part way through the writes leaves a directory that Load
// rejects rather than a mix of old and new artifacts. The model is moved to the
// CPU while it is encoded and put back afterwards.
func (s *Store) Save(dir string, b Bundle) (*Manifest, error) {
	if b.Model == nil || b.Trainer == nil || b.BatchGenerator == nil {
		return nil, fmt.Errorf("checkpoint: bundle is incomplete")
	}

	modelData, err := encodeModel(b.Model)
	if err != nil {
		return nil, err
	}

	payloads := make(map[string][]byte, len(ArtifactFiles))
	payloads[ModelFile] = modelData
	if payloads[ScoresFile], err = json.MarshalIndent(b.Scores.encodable(), "", "  "); err != nil {
		return nil, fmt.Errorf("encode scores: %w", err)
	}
	if payloads[TrainerFile], err = json.Marshal(b.Trainer); err != nil {
		return nil, fmt.Errorf("encode trainer: %w", err)
	}
	if payloads[BatchGeneratorFile], err = json.Marshal(b.BatchGenerator); err != nil {
		return nil, fmt.Errorf("encode batch generator: %w", err)
	}
	if payloads[ConfigFile], err = json.MarshalIndent(b.Config, "", "  "); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := os.Remove(filepath.Join(dir, ManifestFile)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to retire old manifest: %w", err)
	}

	id, _ := ParseDirName(filepath.Base(dir))
	m := &Manifest{
		Version:      ManifestVersion,
		Model:        b.Model.Name(),
		ExperimentID: id,
		Stage:        b.Scores.Stage,
		Generation:   b.Scores.Generation,
		RunID:        b.Config.RunID,
		SavedAt:      s.now().UTC(),
		Artifacts:    make(map[string]Artifact, len(ArtifactFiles)),
	}
	for _, name := range ArtifactFiles {
		data := payloads[name]
		if err := writeFileAtomic(dir, name, data); err != nil {
			return nil, err
		}
		m.Artifacts[name] = Artifact{Digest: digest(data), Size: int64(len(data))}
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(dir, ManifestFile, manifest); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeModel(m experiment.Model) ([]byte, error) {
	home := m.Device()
	if err := device.Relocate(m, device.CPU); err != nil {
		return nil, fmt.Errorf("move model to cpu for saving: %w", err)
	}
	state, stateErr := m.MarshalState()
	if err := device.Relocate(m, home); err != nil {
		return nil, fmt.Errorf("move model back to %s: %w", home, err)
	}
	if stateErr != nil {
		return nil, fmt.Errorf("encode model: %w", stateErr)
	}
	if !json.Valid(state) {
		return nil, fmt.Errorf("encode model: state of %s is not JSON", m.Name())
	}
	return json.Marshal(modelEnvelope{Name: m.Name(), State: state})
}

// ReadManifest loads and verifies the manifest in dir without decoding artifacts.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointNotFound, dir, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: corrupt manifest: %v", ErrCheckpointNotFound, dir, err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: %s: unsupported manifest version %d", ErrCheckpointNotFound, dir, m.Version)
	}
	for _, name := range ArtifactFiles {
		if _, ok := m.Artifacts[name]; !ok {
			return nil, fmt.Errorf("%w: %s: manifest does not cover %s", ErrCheckpointNotFound, dir, name)
		}
	}
	return &m, nil
}

// readArtifact reads one artifact and checks it against the manifest.
func readArtifact(dir, name string, m *Manifest) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointNotFound, dir, err)
	}
	want := m.Artifacts[name]
	if int64(len(data)) != want.Size || digest(data) != want.Digest {
		return nil, fmt.Errorf("%w: %s: %s does not match manifest", ErrCheckpointNotFound, dir, name)
	}
	return data, nil
}

// LoadScores reads the verified scores and config of a checkpoint without
// decoding the model, trainer or batch generator.
func LoadScores(dir string) (*Manifest, Scores, RunConfig, error) {
	var scores Scores
	var cfg RunConfig

	m, err := ReadManifest(dir)
	if err != nil {
		return nil, scores, cfg, err
	}
	data, err := readArtifact(dir, ScoresFile, m)
	if err != nil {
		return nil, scores, cfg, err
	}
	if err := json.Unmarshal(data, &scores); err != nil {
		return nil, scores, cfg, fmt.Errorf("%w: %s: decode scores: %v", ErrCheckpointNotFound, dir, err)
	}
	data, err = readArtifact(dir, ConfigFile, m)
	if err != nil {
		return nil, scores, cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, scores, cfg, fmt.Errorf("%w: %s: decode config: %v", ErrCheckpointNotFound, dir, err)
	}
	return m, scores, cfg, nil
}

// Load reads the checkpoint in dir. Any missing, altered or undecodable
// artifact fails the whole load.
func (s *Store) Load(dir string) (*Bundle, *Manifest, error) {
	m, scores, cfg, err := LoadScores(dir)
	if err != nil {
		return nil, nil, err
	}

	b := &Bundle{Scores: scores, Config: cfg}

	data, err := readArtifact(dir, ModelFile, m)
	if err != nil {
		return nil, nil, err
	}
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: decode model: %v", ErrCheckpointNotFound, dir, err)
	}
	if b.Model, err = s.decoders.Model(env.Name, env.State); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: restore model: %v", ErrCheckpointNotFound, dir, err)
	}

	if data, err = readArtifact(dir, TrainerFile, m); err != nil {
		return nil, nil, err
	}
	if b.Trainer, err = s.decoders.Trainer(data); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: restore trainer: %v", ErrCheckpointNotFound, dir, err)
	}

	if data, err = readArtifact(dir, BatchGeneratorFile, m); err != nil {
		return nil, nil, err
	}
	if b.BatchGenerator, err = s.decoders.BatchGenerator(data); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: restore batch generator: %v", ErrCheckpointNotFound, dir, err)
	}

	return b, m, nil
}

func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeFileAtomic writes data to dir/name through a temp file and a rename.
func writeFileAtomic(dir, name string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

// Verify checks every artifact of the checkpoint in dir against its manifest.
func Verify(dir string) error {
	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(m.Artifacts))
	for name := range m.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := readArtifact(dir, name, m); err != nil {
			return err
		}
	}
	return nil
}
