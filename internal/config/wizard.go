package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Warden Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Provider
	fmt.Println("Agent backend:")
	fmt.Println("  subprocess - drive an agent binary over stdio")
	fmt.Println("  anthropic  - talk to the Anthropic API directly")
	for {
		fmt.Print("Backend [subprocess]: ")
		name, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if name == "" {
			name = "subprocess"
		}
		if err := validator.ValidateProviderName(name); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		cfg.Provider.Name = name
		break
	}

	switch cfg.Provider.Name {
	case "subprocess":
		for {
			fmt.Print("Agent command: ")
			command, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if command == "" {
				fmt.Println("Error: command is required for the subprocess backend")
				continue
			}
			cfg.Provider.Command = command
			break
		}
	case "anthropic":
		for {
			fmt.Print("Anthropic API key (press Enter to use ANTHROPIC_API_KEY): ")
			key, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			if err := validator.ValidateAPIKey(key); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}
			cfg.Provider.APIKey = key
			break
		}
	}

	fmt.Println()

	// Worker cap
	fmt.Print("Max concurrent sessions (0 = unlimited) [4]: ")
	workers, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if workers != "" {
		n, convErr := strconv.Atoi(workers)
		if convErr != nil || n < 0 {
			fmt.Println("Warning: invalid value, using default (4)")
		} else {
			cfg.Supervisor.MaxWorkers = n
		}
	}

	fmt.Println()

	// Log level
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
