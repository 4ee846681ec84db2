// Package otf creates and supervises on-the-fly processing projects. The
// builder materializes the project directory next to the raw data; the
// launcher owns the external pipeline process and the one-per-host policy's
// stop sequence.
package otf

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"emworker/internal/fileutil"
	"emworker/internal/logging"
	"emworker/internal/services"
)

// ProjectSpec describes everything the builder needs to materialize one
// processing project.
type ProjectSpec struct {
	OTFPath  string
	RawPath  string
	Workflow string
	// Options are the engine options from the workflow config, placeholders
	// already substituted by the caller or left for Build to fill from
	// Acquisition.
	Options map[string]string

	GainPattern string
	GainsDir    string
	CryoloModel string

	SessionID   int64
	SessionName string
	Group       string
	User        string
	Operator    string
	Microscope  string
	// Acquisition carries the session acquisition parameters (voltage,
	// pixel size, dose, frames) as strings.
	Acquisition map[string]string
}

// Build creates the project directory from scratch. An existing directory at
// the OTF path is deleted first; callers opt into rebuilds explicitly.
//
// The resulting layout:
//
//	<otf_path>/
//	  data -> <raw_path>
//	  EPU/
//	  <gain_basename>
//	  README.txt
//	  relion_it_options.py       (workflow = relion)
//	  scipion_otf_options.json   (workflow = scipion)
func Build(spec ProjectSpec, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewNop()
	}

	if _, err := os.Stat(spec.OTFPath); err == nil {
		logger.Info("removing existing project", logging.String("path", spec.OTFPath))
		if err := os.RemoveAll(spec.OTFPath); err != nil {
			return services.Wrap(services.ErrTransient, "otf", "remove project", spec.OTFPath, err)
		}
	}
	for _, dir := range []string{spec.OTFPath, filepath.Join(spec.OTFPath, "EPU")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return services.Wrap(services.ErrTransient, "otf", "create project", dir, err)
		}
	}
	if err := fileutil.Relink(spec.RawPath, filepath.Join(spec.OTFPath, "data")); err != nil {
		return services.Wrap(services.ErrTransient, "otf", "link raw data", spec.RawPath, err)
	}

	gain, err := resolveGain(spec.GainPattern, spec.RawPath, spec.GainsDir, logger)
	if err != nil {
		return err
	}
	// Motion correction silently produces garbage from a truncated gain
	// reference, so the copy is checksum-verified.
	if err := fileutil.CopyFileVerified(gain, filepath.Join(spec.OTFPath, filepath.Base(gain))); err != nil {
		return services.Wrap(services.ErrTransient, "otf", "copy gain", gain, err)
	}

	options := substituteAll(spec.Options, spec.Acquisition)
	if spec.CryoloModel != "" {
		model := filepath.Base(spec.CryoloModel)
		if err := fileutil.Relink(spec.CryoloModel, filepath.Join(spec.OTFPath, model)); err != nil {
			return services.Wrap(services.ErrConfiguration, "otf", "link picking model", spec.CryoloModel, err)
		}
		options["cryolo_model"] = model
	}

	if err := writeReadme(spec, filepath.Base(gain)); err != nil {
		return err
	}
	if err := writeOptions(spec, options); err != nil {
		return err
	}

	logger.Info("project created",
		logging.String("path", spec.OTFPath),
		logging.String("workflow", spec.Workflow),
		logging.String("gain", filepath.Base(gain)))
	return nil
}

func writeOptions(spec ProjectSpec, options map[string]string) error {
	switch spec.Workflow {
	case "relion":
		return writeRelionOptions(filepath.Join(spec.OTFPath, "relion_it_options.py"), options)
	case "scipion":
		return writeScipionOptions(filepath.Join(spec.OTFPath, "scipion_otf_options.json"), options, spec.Acquisition)
	case "none", "":
		return nil
	default:
		return services.Wrap(services.ErrConfiguration, "otf", "write options",
			fmt.Sprintf("unknown workflow %q", spec.Workflow), nil)
	}
}
