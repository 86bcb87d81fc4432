package dispatcher

import (
	"context"

	"github.com/agentsh/controlplane/internal/model"
)

type ProjectSettingsGetArgs struct {
	DirectoryID string
}

type ProjectSettingsUpdateArgs struct {
	Settings *model.ProjectSettings
}

type AutomationPolicyGetArgs struct {
	Level ProjectOrRepoLevel
}

// ProjectOrRepoLevel carries the level/id pair of the
// automation.policy-get command (spec §4.2).
type ProjectOrRepoLevel struct {
	Level model.AutomationScopeLevel
	ID    string
}

type AutomationPolicySetArgs struct {
	Policy *model.AutomationPolicy
}

func (d *Dispatcher) dispatchSettings(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case "project.settings-get":
		a, err := argsAs[ProjectSettingsGetArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		ps, err := d.Store.GetProjectSettings(ctx, a.DirectoryID)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: cmd.Kind, Data: ps}, nil

	case "project.settings-update":
		a, err := argsAs[ProjectSettingsUpdateArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		ps, err := d.Store.UpdateProjectSettings(ctx, a.Settings)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "project-settings-updated", Scope: cmd.Scope, DirectoryID: &ps.DirectoryID,
			Payload: map[string]any{"settings": ps},
		})
		return Response{Kind: cmd.Kind, Data: ps}, nil

	case "automation.policy-get":
		a, err := argsAs[AutomationPolicyGetArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		policy, err := d.Store.GetAutomationPolicy(ctx, cmd.Scope, a.Level.Level, a.Level.ID)
		if err != nil {
			return Response{}, err
		}
		if policy == nil {
			def := model.DefaultAutomationPolicy()
			def.Scope = cmd.Scope
			def.ScopeLevel = a.Level.Level
			def.ScopeID = a.Level.ID
			policy = &def
		}
		return Response{Kind: cmd.Kind, Data: policy}, nil

	case "automation.policy-set":
		a, err := argsAs[AutomationPolicySetArgs](cmd)
		if err != nil {
			return Response{}, err
		}
		policy, err := d.Store.SetAutomationPolicy(ctx, a.Policy)
		if err != nil {
			return Response{}, err
		}
		d.publish(model.ObservedEvent{
			Kind: "automation-policy-updated", Scope: cmd.Scope,
			Payload: map[string]any{"policy": policy},
		})
		return Response{Kind: cmd.Kind, Data: policy}, nil
	}
	return Response{}, nil
}
