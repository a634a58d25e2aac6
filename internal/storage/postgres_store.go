package storage

import (
	"database/sql"

	"github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Save(e *models.EmergencyRequest) error {
	_, err := p.db.Exec(`INSERT INTO emergencies(
		id, patient_id, symptoms, severity, triage_score, lat, lng, address,
		status, assigned_driver, assigned_hospital, version,
		requested_at, offer_responded_at, picked_up_at, hospital_arrived_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		e.ID, e.PatientID, pq.Array(e.Symptoms), e.Severity, e.TriageScore,
		e.Location.Lat, e.Location.Lng, e.Location.Address,
		e.Status, nullStr(e.AssignedDriver), nullStr(e.AssignedHospital), e.Version,
		e.RequestedAt, e.OfferRespondedAt, e.PickedUpAt, e.HospitalArrivedAt, e.CompletedAt)
	return err
}

// Update is guarded by the version column so concurrent writers lose
// cleanly instead of clobbering the assignment.
func (p *PostgresStore) Update(e *models.EmergencyRequest) error {
	res, err := p.db.Exec(`UPDATE emergencies SET
		status=$1, assigned_driver=$2, assigned_hospital=$3, version=$4,
		offer_responded_at=$5, picked_up_at=$6, hospital_arrived_at=$7, completed_at=$8
		WHERE id=$9 AND version=$10`,
		e.Status, nullStr(e.AssignedDriver), nullStr(e.AssignedHospital), e.Version,
		e.OfferRespondedAt, e.PickedUpAt, e.HospitalArrivedAt, e.CompletedAt,
		e.ID, e.Version-1)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) Get(id string) (*models.EmergencyRequest, bool) {
	var e models.EmergencyRequest
	var symptoms pq.StringArray
	var driver, hospital sql.NullString
	err := p.db.QueryRow(`SELECT id, patient_id, symptoms, severity, triage_score,
		lat, lng, address, status, assigned_driver, assigned_hospital, version,
		requested_at, offer_responded_at, picked_up_at, hospital_arrived_at, completed_at
		FROM emergencies WHERE id=$1`, id).Scan(
		&e.ID, &e.PatientID, &symptoms, &e.Severity, &e.TriageScore,
		&e.Location.Lat, &e.Location.Lng, &e.Location.Address,
		&e.Status, &driver, &hospital, &e.Version,
		&e.RequestedAt, &e.OfferRespondedAt, &e.PickedUpAt, &e.HospitalArrivedAt, &e.CompletedAt)
	if err != nil {
		return nil, false
	}
	e.Symptoms = symptoms
	e.AssignedDriver = driver.String
	e.AssignedHospital = hospital.String
	return &e, true
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
