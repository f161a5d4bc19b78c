package backend_postgres_migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upCreateTables, downDropTables)
}

func upCreateTables(tx *sql.Tx) error {
	// Ensure UUID extension is available
	if _, err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return err
	}

	createStatements := []string{
		`CREATE TYPE job_status AS ENUM ('QUEUED', 'SCHEDULED', 'RUNNING', 'COMPLETED', 'FAILED', 'CANCELLED');`,

		`CREATE TABLE IF NOT EXISTS user_account (
            id SERIAL PRIMARY KEY,
            external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
            name VARCHAR(255) NOT NULL,
            email VARCHAR(255) NOT NULL UNIQUE,
            max_concurrent_jobs INT NOT NULL DEFAULT 0,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );`,

		`CREATE TABLE IF NOT EXISTS machine (
            id SERIAL PRIMARY KEY,
            external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
            name VARCHAR(255) NOT NULL,
            address VARCHAR(255) NOT NULL,
            username VARCHAR(255) NOT NULL,
            total_cpu BIGINT NOT NULL,
            total_memory_mb BIGINT NOT NULL,
            gpu_count INT NOT NULL DEFAULT 0,
            gpu_type VARCHAR(255) NOT NULL DEFAULT '',
            disk_gb BIGINT NOT NULL DEFAULT 0,
            local BOOLEAN NOT NULL DEFAULT false,
            spec_hash VARCHAR(255) NOT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            deleted_at TIMESTAMP WITH TIME ZONE DEFAULT NULL
        );`,

		`CREATE TABLE IF NOT EXISTS reservation (
            id SERIAL PRIMARY KEY,
            external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
            machine_id INT REFERENCES machine(id) NOT NULL,
            user_id INT REFERENCES user_account(id) NOT NULL,
            starts_at TIMESTAMP WITH TIME ZONE NOT NULL,
            ends_at TIMESTAMP WITH TIME ZONE NOT NULL,
            exclusive BOOLEAN NOT NULL DEFAULT false,
            cpu_cores BIGINT NOT NULL DEFAULT 0,
            memory_mb BIGINT NOT NULL DEFAULT 0,
            gpu_count INT NOT NULL DEFAULT 0,
            notified BOOLEAN NOT NULL DEFAULT false,
            cancelled_at TIMESTAMP WITH TIME ZONE DEFAULT NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );`,

		// Job external ids are controller-generated object ids or caller
		// supplied strings, not UUIDs
		`CREATE TABLE IF NOT EXISTS job (
            id SERIAL PRIMARY KEY,
            external_id VARCHAR(255) UNIQUE NOT NULL,
            user_id INT REFERENCES user_account(id) NOT NULL,
            machine_id INT REFERENCES machine(id) DEFAULT NULL,
            command TEXT NOT NULL,
            work_dir VARCHAR(1024) NOT NULL DEFAULT '',
            cpu_cores BIGINT NOT NULL DEFAULT 0,
            memory_mb BIGINT NOT NULL DEFAULT 0,
            gpu_count INT NOT NULL DEFAULT 0,
            gpu_type VARCHAR(255) NOT NULL DEFAULT '',
            status job_status NOT NULL DEFAULT 'QUEUED',
            exit_code INT DEFAULT NULL,
            error_message TEXT NOT NULL DEFAULT '',
            submitted_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            scheduled_at TIMESTAMP WITH TIME ZONE DEFAULT NULL,
            started_at TIMESTAMP WITH TIME ZONE DEFAULT NULL,
            finished_at TIMESTAMP WITH TIME ZONE DEFAULT NULL
        );`,

		`CREATE TABLE IF NOT EXISTS telemetry_snapshot (
            id SERIAL PRIMARY KEY,
            machine_id INT REFERENCES machine(id) NOT NULL,
            cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
            memory_used_mb BIGINT NOT NULL DEFAULT 0,
            memory_free_mb BIGINT NOT NULL DEFAULT 0,
            gpu_detail JSON NOT NULL DEFAULT '[]',
            disk_detail JSON NOT NULL DEFAULT '[]',
            session_count INT NOT NULL DEFAULT 0,
            sampled_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );`,

		`CREATE INDEX IF NOT EXISTS idx_job_user_id ON job(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_job_status ON job(status);`,
		`CREATE INDEX IF NOT EXISTS idx_reservation_machine_id ON reservation(machine_id);`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_snapshot_machine_id ON telemetry_snapshot(machine_id, sampled_at);`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func downDropTables(tx *sql.Tx) error {
	dropStatements := []string{
		`DROP TABLE IF EXISTS telemetry_snapshot;`,
		`DROP TABLE IF EXISTS job;`,
		`DROP TABLE IF EXISTS reservation;`,
		`DROP TABLE IF EXISTS machine;`,
		`DROP TABLE IF EXISTS user_account;`,
		`DROP TYPE IF EXISTS job_status;`,
	}

	for _, stmt := range dropStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}
