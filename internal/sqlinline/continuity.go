package sqlinline

const QEnsureContinuityTable = `--sql 42e70ec3-02b6-4b34-ac87-3f83b1dd2519
create table if not exists continuity_records (
  entity_id   bigint not null,
  sequence_id int not null,
  document    json not null,
  created_at  timestamptz not null default now(),
  updated_at  timestamptz not null default now(),
  primary key (entity_id, sequence_id)
);
`

const QSelectContinuityRecord = `--sql ec48c8c3-ee8b-44ca-b56c-a44b4990b502
select document::text
from continuity_records
where entity_id = $1::bigint
  and sequence_id = $2::int
limit 1;
`

const QUpsertContinuityRecord = `--sql 98239d63-8eb6-47e6-aa5e-c63c3b60ef35
insert into continuity_records(entity_id, sequence_id, document, created_at, updated_at)
values ($1::bigint, $2::int, $3::json, now(), now())
on conflict (entity_id, sequence_id) do update
set document = excluded.document,
    updated_at = now();
`
