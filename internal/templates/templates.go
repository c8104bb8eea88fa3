// Package templates holds the built-in dealership notification templates.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/sproutogroup/dealernotify/internal/notify"
)

// ErrNotFound is returned when a template key does not resolve.
var ErrNotFound = errors.New("template not found")

// Definition is the source of one template.
type Definition struct {
	Key       string
	Category  notify.Category
	Priority  notify.Priority
	Title     string
	Body      string
	ActionURL string
}

// Rendered is a template after variable substitution.
type Rendered struct {
	Key       string
	Category  notify.Category
	Priority  notify.Priority
	Title     string
	Body      string
	ActionURL string
}

var builtin = []Definition{
	{
		Key:       "lead_new",
		Category:  notify.CategorySales,
		Priority:  notify.PriorityHigh,
		Title:     "New lead: {{.customer_name}}",
		Body:      "{{.customer_name}} is interested in {{.vehicle}}. Source: {{.source}}.",
		ActionURL: "/leads/{{.lead_id}}",
	},
	{
		Key:       "lead_assigned",
		Category:  notify.CategorySales,
		Priority:  notify.PriorityHigh,
		Title:     "Lead assigned to you",
		Body:      "{{.assigned_by}} assigned you the lead for {{.customer_name}}.",
		ActionURL: "/leads/{{.lead_id}}",
	},
	{
		Key:       "lead_status_changed",
		Category:  notify.CategorySales,
		Priority:  notify.PriorityMedium,
		Title:     "Lead status changed",
		Body:      "Lead {{.customer_name}} moved from {{.old_status}} to {{.new_status}}.",
		ActionURL: "/leads/{{.lead_id}}",
	},
	{
		Key:       "appointment_scheduled",
		Category:  notify.CategoryCustomer,
		Priority:  notify.PriorityMedium,
		Title:     "Appointment scheduled",
		Body:      "{{.customer_name}} booked {{.appointment_type}} on {{.date}} at {{.time}}.",
		ActionURL: "/appointments/{{.appointment_id}}",
	},
	{
		Key:       "appointment_reminder",
		Category:  notify.CategoryCustomer,
		Priority:  notify.PriorityHigh,
		Title:     "Upcoming appointment",
		Body:      "Reminder: {{.appointment_type}} with {{.customer_name}} at {{.time}}.",
		ActionURL: "/appointments/{{.appointment_id}}",
	},
	{
		Key:       "appointment_cancelled",
		Category:  notify.CategoryCustomer,
		Priority:  notify.PriorityMedium,
		Title:     "Appointment cancelled",
		Body:      "{{.customer_name}} cancelled the {{.appointment_type}} on {{.date}}.",
		ActionURL: "/appointments/{{.appointment_id}}",
	},
	{
		Key:       "vehicle_added",
		Category:  notify.CategoryInventory,
		Priority:  notify.PriorityLow,
		Title:     "Vehicle added to stock",
		Body:      "{{.year}} {{.make}} {{.model}} ({{.registration}}) is now in stock.",
		ActionURL: "/vehicles/{{.vehicle_id}}",
	},
	{
		Key:       "vehicle_sold",
		Category:  notify.CategoryInventory,
		Priority:  notify.PriorityHigh,
		Title:     "Vehicle sold",
		Body:      "{{.year}} {{.make}} {{.model}} sold to {{.customer_name}} for {{.price}}.",
		ActionURL: "/vehicles/{{.vehicle_id}}",
	},
	{
		Key:       "inventory_low_stock",
		Category:  notify.CategoryInventory,
		Priority:  notify.PriorityMedium,
		Title:     "Low stock alert",
		Body:      "Only {{.count}} {{.segment}} vehicles left in stock.",
		ActionURL: "/vehicles",
	},
	{
		Key:       "invoice_created",
		Category:  notify.CategoryFinancial,
		Priority:  notify.PriorityMedium,
		Title:     "Invoice {{.invoice_number}} created",
		Body:      "Invoice {{.invoice_number}} for {{.customer_name}} totals {{.amount}}.",
		ActionURL: "/invoices/{{.invoice_id}}",
	},
	{
		Key:       "invoice_paid",
		Category:  notify.CategoryFinancial,
		Priority:  notify.PriorityMedium,
		Title:     "Invoice {{.invoice_number}} paid",
		Body:      "{{.customer_name}} paid {{.amount}} against invoice {{.invoice_number}}.",
		ActionURL: "/invoices/{{.invoice_id}}",
	},
	{
		Key:       "invoice_overdue",
		Category:  notify.CategoryFinancial,
		Priority:  notify.PriorityUrgent,
		Title:     "Invoice {{.invoice_number}} overdue",
		Body:      "Invoice {{.invoice_number}} for {{.customer_name}} is {{.days_overdue}} days overdue ({{.amount}}).",
		ActionURL: "/invoices/{{.invoice_id}}",
	},
	{
		Key:       "customer_message",
		Category:  notify.CategoryCustomer,
		Priority:  notify.PriorityHigh,
		Title:     "Message from {{.customer_name}}",
		Body:      "{{.message}}",
		ActionURL: "/customers/{{.customer_id}}",
	},
	{
		Key:      "system_alert",
		Category: notify.CategorySystem,
		Priority: notify.PriorityCritical,
		Title:    "System alert: {{.subject}}",
		Body:     "{{.message}}",
	},
	{
		Key:      "system_maintenance",
		Category: notify.CategorySystem,
		Priority: notify.PriorityLow,
		Title:    "Scheduled maintenance",
		Body:     "The system will be unavailable from {{.start}} to {{.end}}. {{.message}}",
	},
}

type compiled struct {
	def       Definition
	title     *template.Template
	body      *template.Template
	actionURL *template.Template
}

// Registry resolves template keys and renders them.
type Registry struct {
	templates map[string]*compiled
}

// NewRegistry compiles defs. An empty list yields the built-in templates.
func NewRegistry(defs ...Definition) (*Registry, error) {
	if len(defs) == 0 {
		defs = builtin
	}
	r := &Registry{templates: make(map[string]*compiled, len(defs))}
	for _, def := range defs {
		c, err := compile(def)
		if err != nil {
			return nil, err
		}
		r.templates[def.Key] = c
	}
	return r, nil
}

// Default returns the registry of built-in templates.
func Default() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(fmt.Sprintf("built-in templates: %v", err))
	}
	return r
}

func compile(def Definition) (*compiled, error) {
	if def.Key == "" {
		return nil, errors.New("template key is required")
	}
	if !def.Priority.Valid() {
		return nil, fmt.Errorf("template %s: invalid priority", def.Key)
	}
	parse := func(part, text string) (*template.Template, error) {
		t, err := template.New(def.Key + "." + part).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("template %s %s: %w", def.Key, part, err)
		}
		return t, nil
	}

	c := &compiled{def: def}
	var err error
	if c.title, err = parse("title", def.Title); err != nil {
		return nil, err
	}
	if c.body, err = parse("body", def.Body); err != nil {
		return nil, err
	}
	if def.ActionURL != "" {
		if c.actionURL, err = parse("action_url", def.ActionURL); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Lookup returns the definition registered under key.
func (r *Registry) Lookup(key string) (Definition, bool) {
	c, ok := r.templates[key]
	if !ok {
		return Definition{}, false
	}
	return c.def, true
}

// Keys lists the registered template keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.templates))
	for k := range r.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Render substitutes vars into the template registered under key. Variables
// the caller did not supply render as empty strings.
func (r *Registry) Render(key string, vars map[string]string) (Rendered, error) {
	c, ok := r.templates[key]
	if !ok {
		return Rendered{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if vars == nil {
		vars = map[string]string{}
	}

	out := Rendered{Key: key, Category: c.def.Category, Priority: c.def.Priority}
	var err error
	if out.Title, err = execute(c.title, vars); err != nil {
		return Rendered{}, err
	}
	if out.Body, err = execute(c.body, vars); err != nil {
		return Rendered{}, err
	}
	if c.actionURL != nil {
		if out.ActionURL, err = execute(c.actionURL, vars); err != nil {
			return Rendered{}, err
		}
	}
	return out, nil
}

func execute(t *template.Template, vars map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
