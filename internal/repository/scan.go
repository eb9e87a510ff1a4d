package repository

import (
	"database/sql"

	"sysmon/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Absent values are kept as NULL so a missing reading never reads back as 0.
func toNull(v float64) sql.NullFloat64 {
	if domain.IsAbsent(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return domain.Absent
	}
	return v.Float64
}

func scanSample(row rowScanner) (domain.Sample, error) {
	var (
		s                   domain.Sample
		cpu, mem, temp, dsk sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &s.Timestamp, &cpu, &mem, &temp, &dsk); err != nil {
		return domain.Sample{}, err
	}
	s.CPUPercent = fromNull(cpu)
	s.MemoryPercent = fromNull(mem)
	s.Temperature = fromNull(temp)
	s.DiskPercent = fromNull(dsk)
	return s, nil
}
