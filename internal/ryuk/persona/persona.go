// Package persona loads the character the bot speaks as: the prompt preamble,
// the speaker labels used in prompts and memory, and every canned line the bot
// can say without asking a model.
//
// A persona is a YAML document checked against an embedded JSON Schema before
// it is decoded. The embedded default is Ryuk from Death Note.
package persona

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed ryuk.yaml
var defaultDocument []byte

//go:embed schema.json
var schemaDocument string

const schemaURL = "https://ryuk.local/schema/persona.json"

// Labels are the speaker tags written in front of each line of dialogue.
type Labels struct {
	Human   string `yaml:"human"`
	Persona string `yaml:"persona"`
}

// Messages are the fixed replies to bot commands.
type Messages struct {
	// Start answers /start; "{name}" is replaced with the caller's first name.
	Start        string `yaml:"start"`
	Help         string `yaml:"help"`
	EmptyCommand string `yaml:"empty_command"`
}

// Draw holds the lines and prompt decoration used by the /draw command.
type Draw struct {
	Usage          string `yaml:"usage"`
	Working        string `yaml:"working"`
	Failed         string `yaml:"failed"`
	Disabled       string `yaml:"disabled"`
	Caption        string `yaml:"caption"`
	Style          string `yaml:"style"`
	NegativePrompt string `yaml:"negative_prompt"`
}

// Persona is a decoded, validated persona document.
type Persona struct {
	Name          string   `yaml:"name"`
	Preamble      string   `yaml:"preamble"`
	Labels        Labels   `yaml:"labels"`
	ContextHeader string   `yaml:"context_header"`
	Greeting      string   `yaml:"greeting"`
	Unreachable   string   `yaml:"unreachable"`
	Fallbacks     []string `yaml:"fallbacks"`
	Messages      Messages `yaml:"messages"`
	Draw          Draw     `yaml:"draw"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error

	defaultOnce sync.Once
	defaultP    *Persona
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, strings.NewReader(schemaDocument)); err != nil {
			compileErr = fmt.Errorf("persona: add schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Default returns the embedded Ryuk persona. The returned value is shared;
// callers must not modify it.
func Default() *Persona {
	defaultOnce.Do(func() {
		p, err := decode(defaultDocument)
		if err != nil {
			panic("persona: embedded default is invalid: " + err.Error())
		}
		defaultP = p
	})
	return defaultP
}

// Parse validates a YAML persona document and decodes it. Optional fields the
// document leaves out are taken from the default persona.
func Parse(data []byte) (*Persona, error) {
	p, err := decode(data)
	if err != nil {
		return nil, err
	}
	p.fillFrom(Default())
	return p, nil
}

// Load reads and parses the persona file at path.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("persona: %s: %w", path, err)
	}
	return p, nil
}

func decode(data []byte) (*Persona, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	if doc == nil {
		return nil, errors.New("persona parse: empty document")
	}

	// The validator works on JSON values, so round-trip the YAML tree.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	var inst any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&inst); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	s, err := schema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(inst); err != nil {
		return nil, fmt.Errorf("persona invalid: %w", err)
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("persona parse: %w", err)
	}
	p.Preamble = strings.TrimSpace(p.Preamble)
	return &p, nil
}

func (p *Persona) fillFrom(d *Persona) {
	orDefault := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	orDefault(&p.ContextHeader, d.ContextHeader)
	orDefault(&p.Greeting, d.Greeting)
	orDefault(&p.Draw.Usage, d.Draw.Usage)
	orDefault(&p.Draw.Working, d.Draw.Working)
	orDefault(&p.Draw.Failed, d.Draw.Failed)
	orDefault(&p.Draw.Disabled, d.Draw.Disabled)
	orDefault(&p.Draw.Caption, d.Draw.Caption)
}

// StartMessage renders the /start greeting for a user.
func (p *Persona) StartMessage(firstName string) string {
	if firstName == "" {
		firstName = p.Labels.Human
	}
	return strings.ReplaceAll(p.Messages.Start, "{name}", firstName)
}

// DrawPrompt decorates a user's image request with the persona's style.
func (p *Persona) DrawPrompt(request string) string {
	request = strings.TrimSpace(request)
	if p.Draw.Style == "" {
		return request
	}
	return request + ", " + p.Draw.Style
}
