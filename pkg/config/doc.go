/*
Package config loads and validates the orchestrator configuration.

Configuration is a YAML file merged over built-in defaults: top-level
listener addresses, loop intervals, and retention, plus one TypeConfig
per job type carrying the worker image, retry policy, idle timeout,
processing deadline, hourly rate, budgets, and scaling policy. Types
missing from the file fall back to defaults, so a partial file is
always valid.
*/
package config
