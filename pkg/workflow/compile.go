package workflow

// Compiled binds a validated definition to its layered plan and the derived
// secret-name set. It is the unit held by the registry and consumed by the
// run coordinator.
type Compiled struct {
	// Definition is the validated source document
	Definition *Definition

	// Plan is the layered execution plan for Definition.Steps
	Plan *Plan

	// SecretNames is the set of input names declared secret
	SecretNames map[string]bool

	// stepsByID indexes main-plan steps for the driver
	stepsByID map[string]*StepDefinition
}

// Compile validates a definition and produces its compiled form.
func Compile(def *Definition) (*Compiled, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	plan, err := BuildPlan(def.Steps)
	if err != nil {
		return nil, err
	}

	secretNames := make(map[string]bool, len(def.Secrets))
	for _, name := range def.Secrets {
		secretNames[name] = true
	}

	byID := make(map[string]*StepDefinition, len(def.Steps))
	for i := range def.Steps {
		byID[def.Steps[i].ID] = &def.Steps[i]
	}

	return &Compiled{
		Definition:  def,
		Plan:        plan,
		SecretNames: secretNames,
		stepsByID:   byID,
	}, nil
}

// Step returns the main-plan step with the given ID.
func (c *Compiled) Step(id string) (*StepDefinition, bool) {
	step, ok := c.stepsByID[id]
	return step, ok
}

// MissingInputs returns the declared inputs absent (or nil/empty-string)
// from the given submission, in declaration-independent sorted order by
// name via the caller. Used by the coordinator to fail submissions
// synchronously.
func (c *Compiled) MissingInputs(inputs map[string]interface{}) []string {
	var missing []string
	for name := range c.Definition.Inputs {
		value, ok := inputs[name]
		if !ok || value == nil {
			missing = append(missing, name)
			continue
		}
		if s, isStr := value.(string); isStr && s == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
