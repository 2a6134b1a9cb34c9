// Package config loads the configuration of a netintent server.
//
// Values are layered in increasing precedence:
//
//  1. Default()
//  2. a YAML file (--config or NETINTENT_CONFIG); unknown keys are rejected
//  3. dotenv files, which never override variables already set
//  4. NETINTENT_* environment variables
//
// The unprefixed names POLL_INTERVAL, ARTIFACTS_DIR, RUNNER_EE_IMAGE,
// RUNNER_CONTAINER_ENGINE, DATABASE_URL and LOG_LEVEL are accepted as
// aliases. The result is validated with go-playground/validator struct tags.
//
// Connect retries startup connections to backing services.
package config
