// Package tools defines the data-lookup and mutation tools available
// to the game-master model.
package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/oakandowl/gamemaster/internal/campaign"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                                 `json:"name"`
	Description string                                                                 `json:"description"`
	Parameters  map[string]any                                                         `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (map[string]any, error) `json:"-"`
}

// Registry holds available tools and executes them against the
// campaign store.
type Registry struct {
	tools map[string]*Tool
	store *campaign.Store
}

// NewRegistry creates a tool registry backed by the campaign store.
func NewRegistry(store *campaign.Store) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
		store: store,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "get_character",
		Description: "Get a character sheet: class, level, HP, AC, abilities, conditions, inventory, and spell slots.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The character's name",
				},
			},
			"required": []string{"name"},
		},
		Handler: r.handleGetCharacter,
	})

	r.Register(&Tool{
		Name:        "list_characters",
		Description: "List all characters in the campaign with a one-line summary of each.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListCharacters,
	})

	r.Register(&Tool{
		Name:        "update_character",
		Description: "Update a character sheet. Use for damage, healing, level-ups, AC changes, or condition changes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The character's name",
				},
				"fields": map[string]any{
					"type":        "object",
					"description": "Fields to change: hp, max_hp, ac, level, class, conditions (list of strings)",
				},
			},
			"required": []string{"name", "fields"},
		},
		Handler: r.handleUpdateCharacter,
	})

	r.Register(&Tool{
		Name:        "add_item",
		Description: "Add an item to a character's inventory (loot, purchases, quest rewards).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The character's name",
				},
				"item": map[string]any{
					"type":        "string",
					"description": "The item name",
				},
				"quantity": map[string]any{
					"type":        "integer",
					"description": "How many (default 1)",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Optional notes (e.g. 'cursed', '+1 to hit')",
				},
			},
			"required": []string{"name", "item"},
		},
		Handler: r.handleAddItem,
	})

	r.Register(&Tool{
		Name:        "cast_spell",
		Description: "Expend one of a character's spell slots at the given level. Fails if no slot remains.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "The character's name",
				},
				"slot_level": map[string]any{
					"type":        "integer",
					"description": "Spell slot level to expend (1-9)",
				},
				"spell": map[string]any{
					"type":        "string",
					"description": "The spell being cast, for the narration",
				},
			},
			"required": []string{"name", "slot_level"},
		},
		Handler: r.handleCastSpell,
	})

	r.Register(&Tool{
		Name:        "roll_dice",
		Description: "Roll dice using standard notation, e.g. '2d6+3', 'd20', '4d8-1'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"notation": map[string]any{
					"type":        "string",
					"description": "Dice notation: NdS, NdS+M, or NdS-M",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "What the roll is for (initiative, attack, save...)",
				},
			},
			"required": []string{"notation"},
		},
		Handler: r.handleRollDice,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Catalog returns all tools in OpenAI function-definition format,
// sorted by name for a stable prompt.
func (r *Registry) Catalog() []map[string]any {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name with the given arguments. The returned
// payload is a structured map suitable for both client display and
// model consumption (after optimization).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	tool := r.tools[name]
	if tool == nil {
		return nil, &ErrToolUnavailable{ToolName: name}
	}
	return tool.Handler(ctx, args)
}

// Tool handlers

func (r *Registry) handleGetCharacter(ctx context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name", "get_character")
	if err != nil {
		return nil, err
	}

	c, err := r.store.GetCharacter(name)
	if err != nil {
		return nil, err
	}
	items, err := r.store.Items(name)
	if err != nil {
		return nil, err
	}
	slots, err := r.store.SpellSlotsFor(name)
	if err != nil {
		return nil, err
	}

	payload := characterPayload(c)
	if len(items) > 0 {
		inv := make([]map[string]any, 0, len(items))
		for _, it := range items {
			entry := map[string]any{
				"id":       it.ID,
				"name":     it.Name,
				"quantity": it.Quantity,
			}
			if it.Notes != "" {
				entry["notes"] = it.Notes
			}
			inv = append(inv, entry)
		}
		payload["inventory"] = inv
	}
	if len(slots) > 0 {
		ss := make([]map[string]any, 0, len(slots))
		for _, s := range slots {
			ss = append(ss, map[string]any{
				"level":     s.Level,
				"total":     s.Total,
				"remaining": s.Remaining,
			})
		}
		payload["spell_slots"] = ss
	}
	return payload, nil
}

func (r *Registry) handleListCharacters(ctx context.Context, args map[string]any) (map[string]any, error) {
	chars, err := r.store.ListCharacters()
	if err != nil {
		return nil, err
	}

	list := make([]map[string]any, 0, len(chars))
	for _, c := range chars {
		list = append(list, map[string]any{
			"name":    c.Name,
			"class":   c.Class,
			"level":   c.Level,
			"hp":      c.HP,
			"max_hp":  c.MaxHP,
			"summary": fmt.Sprintf("%s, level %d %s (%d/%d HP)", c.Name, c.Level, c.Class, c.HP, c.MaxHP),
		})
	}
	return map[string]any{
		"characters": list,
		"count":      len(list),
	}, nil
}

func (r *Registry) handleUpdateCharacter(ctx context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name", "update_character")
	if err != nil {
		return nil, err
	}
	fields, ok := args["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return nil, &ErrInvalidArguments{ToolName: "update_character", Reason: "fields must be a non-empty object"}
	}

	c, err := r.store.UpdateCharacter(name, fields)
	if err != nil {
		return nil, err
	}

	payload := characterPayload(c)
	payload["updated"] = sortedKeys(fields)
	return payload, nil
}

func (r *Registry) handleAddItem(ctx context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name", "add_item")
	if err != nil {
		return nil, err
	}
	itemName, err := stringArg(args, "item", "add_item")
	if err != nil {
		return nil, err
	}

	quantity := 1
	if q, ok := args["quantity"].(float64); ok {
		quantity = int(q)
	}
	notes, _ := args["notes"].(string)

	item, err := r.store.AddItem(name, itemName, quantity, notes)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":        item.ID,
		"character": name,
		"item":      item.Name,
		"quantity":  item.Quantity,
		"notes":     item.Notes,
	}, nil
}

func (r *Registry) handleCastSpell(ctx context.Context, args map[string]any) (map[string]any, error) {
	name, err := stringArg(args, "name", "cast_spell")
	if err != nil {
		return nil, err
	}
	levelF, ok := args["slot_level"].(float64)
	if !ok {
		return nil, &ErrInvalidArguments{ToolName: "cast_spell", Reason: "slot_level must be a number"}
	}
	level := int(levelF)
	if level < 1 || level > 9 {
		return nil, &ErrInvalidArguments{ToolName: "cast_spell", Reason: "slot_level must be between 1 and 9"}
	}
	spell, _ := args["spell"].(string)

	remaining, err := r.store.CastSpell(name, level)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"character":  name,
		"slot_level": level,
		"remaining":  remaining,
	}
	if spell != "" {
		payload["spell"] = spell
	}
	return payload, nil
}

func (r *Registry) handleRollDice(ctx context.Context, args map[string]any) (map[string]any, error) {
	notation, err := stringArg(args, "notation", "roll_dice")
	if err != nil {
		return nil, err
	}
	reason, _ := args["reason"].(string)

	roll, err := Roll(notation)
	if err != nil {
		return nil, &ErrInvalidArguments{ToolName: "roll_dice", Reason: err.Error()}
	}

	payload := map[string]any{
		"notation": notation,
		"rolls":    roll.Rolls,
		"modifier": roll.Modifier,
		"total":    roll.Total,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return payload, nil
}

// characterPayload flattens a character sheet to the map shape tools
// return. Audit timestamps are included here and stripped by the
// optimizer before the payload re-enters the conversation.
func characterPayload(c *campaign.Character) map[string]any {
	payload := map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"class":      c.Class,
		"level":      c.Level,
		"hp":         c.HP,
		"max_hp":     c.MaxHP,
		"ac":         c.AC,
		"created_at": c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		"updated_at": c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if len(c.Abilities) > 0 {
		abilities := make(map[string]any, len(c.Abilities))
		for k, v := range c.Abilities {
			abilities[k] = v
		}
		payload["abilities"] = abilities
	}
	if len(c.Conditions) > 0 {
		conds := make([]any, 0, len(c.Conditions))
		for _, cond := range c.Conditions {
			conds = append(conds, cond)
		}
		payload["conditions"] = conds
	}
	return payload
}

func stringArg(args map[string]any, key, tool string) (string, error) {
	s, _ := args[key].(string)
	if s == "" {
		return "", &ErrInvalidArguments{ToolName: tool, Reason: key + " is required"}
	}
	return s, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
