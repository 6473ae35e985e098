package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"talkgen/internal/core"
)

const defaultPrompt = "A person speaking naturally with clear lip sync and facial expressions, " +
	"professional video quality with natural lighting and smooth motion"

type Config struct {
	PythonBin   string
	Script      string
	WorkDir     string
	WeightsDir  string
	SampleSteps int
	Size        string
	UploadsDir  string
	OutputsDir  string
}

// Generator runs the InfiniteTalk generation script as a subprocess and maps
// its lifecycle onto the core's executor contract.
type Generator struct {
	cfg Config
}

func New(cfg Config) *Generator {
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python"
	}
	if cfg.Script == "" {
		cfg.Script = "generate_infinitetalk.py"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.WeightsDir == "" {
		cfg.WeightsDir = "weights"
	}
	if cfg.SampleSteps <= 0 {
		cfg.SampleSteps = 6
	}
	if cfg.Size == "" {
		cfg.Size = "infinitetalk-480"
	}

	return &Generator{cfg: cfg}
}

type requestConfig struct {
	Prompt    string            `json:"prompt"`
	CondVideo string            `json:"cond_video"`
	CondAudio map[string]string `json:"cond_audio"`
}

// milestones maps known generation-script output lines to the progress text
// surfaced to observers.
var milestones = []struct {
	marker  string
	message string
}{
	{"models_t5", "Loading T5 text encoder..."},
	{"Wan2.1_VAE", "Loading VAE decoder..."},
	{"models_clip", "Loading CLIP vision encoder..."},
	{"Creating WanModel", "Loading DiT transformer..."},
	{"Loading LoRA weights", "Applying acceleration LoRA..."},
	{"Generating video", "Generating video..."},
	{"Video generation completed", "Finalizing output..."},
}

// Run executes one generation request. It blocks until the subprocess exits
// or ctx is cancelled, forwarding progress milestones as they appear.
func (g *Generator) Run(ctx context.Context, jobID string, inputs core.Inputs, progress core.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(string) {}
	}

	progress("Preparing input files...")

	configPath, err := g.writeRequestConfig(jobID, inputs)
	if err != nil {
		return "", &core.ExecutionError{Kind: core.ErrorKindReported, Message: err.Error()}
	}
	defer os.Remove(configPath)

	outputPath := filepath.Join(g.cfg.OutputsDir, jobID+".mp4")

	// The script appends the extension itself, so it receives the path
	// without one.
	saveFile := strings.TrimSuffix(outputPath, ".mp4")

	args := []string{
		g.cfg.Script,
		"--ckpt_dir", filepath.Join(g.cfg.WeightsDir, "Wan2.1-I2V-14B-480P"),
		"--wav2vec_dir", filepath.Join(g.cfg.WeightsDir, "chinese-wav2vec2-base"),
		"--infinitetalk_dir", filepath.Join(g.cfg.WeightsDir, "InfiniteTalk/single/infinitetalk.safetensors"),
		"--lora_dir", filepath.Join(g.cfg.WeightsDir, "lightx2v_lora.safetensors"),
		"--input_json", configPath,
		"--lora_scale", "1.0",
		"--size", g.cfg.Size,
		"--sample_text_guide_scale", "1.0",
		"--sample_audio_guide_scale", "2.0",
		"--sample_steps", strconv.Itoa(g.cfg.SampleSteps),
		"--mode", "streaming",
		"--motion_frame", "9",
		"--sample_shift", "2",
		"--num_persistent_param_in_dit", "0",
		"--save_file", saveFile,
	}

	progress("Starting generation model...")

	cmd := exec.CommandContext(ctx, g.cfg.PythonBin, args...)
	cmd.Dir = g.cfg.WorkDir
	cmd.Env = append(os.Environ(), "PYTHONPATH="+g.cfg.WorkDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start generation process: %w", err)
	}

	g.scanMilestones(stdout, progress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &core.ExecutionError{
			Kind:    core.ErrorKindReported,
			Message: fmt.Sprintf("generation process failed: %s", tailLines(stderr.String(), 5)),
		}
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", &core.ExecutionError{
			Kind:    core.ErrorKindReported,
			Message: "generation process exited cleanly but produced no output",
		}
	}

	return outputPath, nil
}

func (g *Generator) writeRequestConfig(jobID string, inputs core.Inputs) (string, error) {
	prompt := inputs.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	req := requestConfig{
		Prompt:    prompt,
		CondVideo: inputs.ImagePath,
		CondAudio: map[string]string{"person1": inputs.AudioPath},
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode request config: %w", err)
	}

	configPath := filepath.Join(g.cfg.UploadsDir, jobID+"_config.json")
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write request config: %w", err)
	}

	return configPath, nil
}

func (g *Generator) scanMilestones(r io.Reader, progress core.ProgressFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		for _, m := range milestones {
			if strings.Contains(line, m.marker) {
				progress(m.message)
				break
			}
		}
	}
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
